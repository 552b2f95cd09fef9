//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/flowgate/internal/account"
	"github.com/ashureev/flowgate/internal/domain"
)

type fakeRepo struct {
	mu       sync.Mutex
	accounts []*domain.Account
	cfg      domain.ChallengeConfig
	pingErr  error
	updates  int
}

func (f *fakeRepo) ListActiveAccounts(ctx context.Context) ([]*domain.Account, error) {
	all, _ := f.ListAccounts(ctx)
	var active []*domain.Account
	for _, a := range all {
		if a.Active {
			active = append(active, a)
		}
	}
	return active, nil
}

func (f *fakeRepo) ListAccounts(context.Context) ([]*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		copy := *a
		out = append(out, &copy)
	}
	return out, nil
}

func (f *fakeRepo) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.ID == id {
			copy := *a
			return &copy, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) UpsertAccount(_ context.Context, acct *domain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.accounts {
		if a.Email == acct.Email {
			acct.ID = a.ID
			copy := *acct
			f.accounts[i] = &copy
			return nil
		}
	}
	acct.ID = int64(len(f.accounts) + 1)
	copy := *acct
	f.accounts = append(f.accounts, &copy)
	return nil
}

func (f *fakeRepo) GetChallengeConfig(context.Context) (domain.ChallengeConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg, nil
}

func (f *fakeRepo) UpdateChallengeConfig(_ context.Context, cfg domain.ChallengeConfig) (domain.ChallengeConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	cfg.Version = f.cfg.Version + 1
	f.cfg = cfg.Normalized()
	return f.cfg, nil
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

func (f *fakeRepo) Close() error { return nil }

// fakePool answers AcquireToken from fixed results and reloads from repo.
type fakePool struct {
	repo     *fakeRepo
	token    string
	workerID int
	err      error
	availErr error

	mu       sync.Mutex
	cfg      domain.ChallengeConfig
	stats    domain.PoolStats
	reported []int
	targets  []string
	actions  []string
	deadline bool
}

func (p *fakePool) AcquireToken(ctx context.Context, target, action string) (string, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, p.deadline = ctx.Deadline()
	p.targets = append(p.targets, target)
	p.actions = append(p.actions, action)
	p.stats.RequestsTotal++
	if p.err != nil {
		return "", -1, p.err
	}
	if p.token == "" {
		p.stats.SolvedFail++
	} else {
		p.stats.SolvedOK++
	}
	return p.token, p.workerID, nil
}

func (p *fakePool) ReportInvalid(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reported = append(p.reported, workerID)
	p.stats.ReportedInvalid++
}

func (p *fakePool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *fakePool) Reload(ctx context.Context) (domain.ChallengeConfig, error) {
	if p.repo == nil {
		return domain.ChallengeConfig{}, errors.New("no repo")
	}
	cfg, err := p.repo.GetChallengeConfig(ctx)
	if err != nil {
		return domain.ChallengeConfig{}, err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return cfg, nil
}

func (p *fakePool) Config() domain.ChallengeConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *fakePool) Available(context.Context) error { return p.availErr }

type fakeSelector struct {
	acct *domain.Account
	err  error
	got  []account.Requirement
}

func (f *fakeSelector) Select(_ context.Context, req account.Requirement) (*domain.Account, error) {
	f.got = append(f.got, req)
	return f.acct, f.err
}
