package account

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/ashureev/flowgate/internal/domain"
)

// Directory lists accounts and validates their credentials.
type Directory interface {
	ListActiveAccounts(ctx context.Context) ([]*domain.Account, error)
	IsCredentialValid(ctx context.Context, id int64) bool
}

// Ledger reports live per-capability concurrency headroom.
type Ledger interface {
	CanUseImage(id int64) bool
	CanUseVideo(id int64) bool
}

// Ensure Manager implements both collaborator contracts.
var (
	_ Directory = (*Manager)(nil)
	_ Ledger    = (*Manager)(nil)
)

// Requirement names the capabilities a request needs.
type Requirement struct {
	Image bool
	Video bool
}

// Reasons recorded for accounts dropped during selection.
const (
	ReasonInactive          = "inactive"
	ReasonCredentialInvalid = "credential_invalid"
	ReasonImageDisabled     = "image_disabled"
	ReasonImageAtCapacity   = "image_at_capacity"
	ReasonVideoDisabled     = "video_disabled"
	ReasonVideoAtCapacity   = "video_at_capacity"
)

// Balancer picks one eligible account uniformly at random.
type Balancer struct {
	dir    Directory
	ledger Ledger
	intn   func(n int) int
}

// NewBalancer creates a Balancer over the given directory and ledger.
// A nil ledger disables concurrency filtering.
func NewBalancer(dir Directory, ledger Ledger) *Balancer {
	return &Balancer{dir: dir, ledger: ledger, intn: rand.IntN}
}

// Select returns a random account satisfying req, or nil if none is eligible.
// An error is returned only when the directory cannot be read.
func (b *Balancer) Select(ctx context.Context, req Requirement) (*domain.Account, error) {
	accounts, err := b.dir.ListActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}

	eligible, dropped := b.filter(ctx, accounts, req)
	for id, reason := range dropped {
		slog.Debug("Account filtered", "account_id", id, "reason", reason)
	}

	if len(eligible) == 0 {
		slog.Info("No eligible account",
			"require_image", req.Image,
			"require_video", req.Video,
			"active", len(accounts),
			"filtered", len(dropped))
		return nil, nil
	}

	selected := eligible[b.intn(len(eligible))]
	slog.Info("Account selected",
		"account_id", selected.ID,
		"email", selected.Email,
		"credits", selected.Credits,
		"candidates", len(eligible))
	return selected, nil
}

// filter returns the eligible accounts and, for every dropped account, the
// first filter it failed.
func (b *Balancer) filter(ctx context.Context, accounts []*domain.Account, req Requirement) ([]*domain.Account, map[int64]string) {
	eligible := make([]*domain.Account, 0, len(accounts))
	dropped := make(map[int64]string)

	for _, acct := range accounts {
		if reason := b.rejectReason(ctx, acct, req); reason != "" {
			dropped[acct.ID] = reason
			continue
		}
		eligible = append(eligible, acct)
	}
	return eligible, dropped
}

func (b *Balancer) rejectReason(ctx context.Context, acct *domain.Account, req Requirement) string {
	if !acct.Active {
		return ReasonInactive
	}
	if !b.dir.IsCredentialValid(ctx, acct.ID) {
		return ReasonCredentialInvalid
	}
	if req.Image {
		if !acct.ImageEnabled {
			return ReasonImageDisabled
		}
		if b.ledger != nil && !b.ledger.CanUseImage(acct.ID) {
			return ReasonImageAtCapacity
		}
	}
	if req.Video {
		if !acct.VideoEnabled {
			return ReasonVideoDisabled
		}
		if b.ledger != nil && !b.ledger.CanUseVideo(acct.ID) {
			return ReasonVideoAtCapacity
		}
	}
	return ""
}
