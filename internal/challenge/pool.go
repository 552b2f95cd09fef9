// Package challenge runs a bounded pool of browser workers that mint
// anti-bot challenge response tokens.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/flowgate/internal/domain"
	"golang.org/x/sync/semaphore"
)

const (
	sessionDirPrefix  = "browser_"
	profilePrefix     = "attempt-"
	availabilityCache = 30 * time.Second
)

var (
	// ErrUnavailable is returned when browser automation cannot run here.
	ErrUnavailable = errors.New("challenge automation unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("challenge pool closed")
)

// ConfigSource supplies the runtime-mutable pool configuration.
type ConfigSource interface {
	GetChallengeConfig(ctx context.Context) (domain.ChallengeConfig, error)
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	DataDir string

	// DisabledByPolicy refuses every request, e.g. when running inside a
	// container without explicit opt-in.
	DisabledByPolicy bool

	Worker WorkerOptions
}

// snapshot is the versioned configuration the pool dispatches under. It is
// replaced as a whole on reload.
type snapshot struct {
	cfg   domain.ChallengeConfig
	proxy *ProxySettings
	slots *semaphore.Weighted
}

// Pool admits at most WorkerCount concurrent solves and dispatches them round
// robin over lazily created workers.
type Pool struct {
	source   ConfigSource
	launcher Launcher
	opts     PoolOptions

	current  atomic.Pointer[snapshot]
	rr       atomic.Uint64
	reloadMu sync.Mutex

	mu      sync.Mutex
	workers map[int]*Worker
	retired []*Worker // dropped by a shrinking reload, possibly still solving
	closed  bool

	availMu      sync.Mutex
	availErr     error
	availChecked time.Time

	requestsTotal   atomic.Int64
	solvedOK        atomic.Int64
	solvedFail      atomic.Int64
	reportedInvalid atomic.Int64
}

// NewPool loads the configuration once and returns a ready pool. Workers and
// their browsers are created on first use.
func NewPool(ctx context.Context, source ConfigSource, launcher Launcher, opts PoolOptions) (*Pool, error) {
	if opts.DataDir == "" {
		return nil, errors.New("challenge pool: data dir is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create browser data dir: %w", err)
	}
	opts.Worker = opts.Worker.withDefaults()

	p := &Pool{
		source:   source,
		launcher: launcher,
		opts:     opts,
		workers:  make(map[int]*Worker),
	}
	cfg, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	proxy := p.parseProxy(cfg)
	p.current.Store(&snapshot{cfg: cfg, proxy: proxy, slots: semaphore.NewWeighted(int64(cfg.WorkerCount))})

	slog.Info("Challenge pool initialized",
		"workers", cfg.WorkerCount,
		"launcher", launcher.Name(),
		"config_version", cfg.Version)
	return p, nil
}

func (p *Pool) load(ctx context.Context) (domain.ChallengeConfig, error) {
	cfg, err := p.source.GetChallengeConfig(ctx)
	if err != nil {
		return domain.ChallengeConfig{}, fmt.Errorf("load challenge config: %w", err)
	}
	return cfg.Normalized(), nil
}

// parseProxy returns nil for a disabled or malformed proxy; a malformed one is
// logged and ignored.
func (p *Pool) parseProxy(cfg domain.ChallengeConfig) *ProxySettings {
	proxy, err := ParseProxyURL(cfg.Proxy.EffectiveURL())
	if err != nil {
		slog.Warn("Ignoring invalid browser proxy", "error", err)
		return nil
	}
	return proxy
}

// Available returns nil when automation can run, otherwise an error wrapping
// ErrUnavailable. Backend probes are cached briefly.
func (p *Pool) Available(ctx context.Context) error {
	if p.opts.DisabledByPolicy {
		return fmt.Errorf("%w: running in a container with ALLOW_DOCKER_BROWSER_CAPTCHA disabled", ErrUnavailable)
	}

	p.availMu.Lock()
	defer p.availMu.Unlock()
	if !p.availChecked.IsZero() && time.Since(p.availChecked) < availabilityCache {
		return p.availErr
	}
	p.availErr = nil
	if err := p.launcher.Available(ctx); err != nil {
		p.availErr = fmt.Errorf("%w: %s launcher: %v", ErrUnavailable, p.launcher.Name(), err)
	}
	p.availChecked = time.Now()
	return p.availErr
}

// AcquireToken solves one challenge for target. An empty action uses the
// configured default. A failed solve returns an empty token with a nil error;
// errors are reserved for ErrUnavailable, ErrClosed and ctx expiry.
func (p *Pool) AcquireToken(ctx context.Context, target, action string) (string, int, error) {
	if p.isClosed() {
		return "", -1, ErrClosed
	}
	if err := p.Available(ctx); err != nil {
		return "", -1, err
	}

	p.requestsTotal.Add(1)

	snap := p.current.Load()
	slots := snap.slots
	if err := slots.Acquire(ctx, 1); err != nil {
		p.solvedFail.Add(1)
		return "", -1, fmt.Errorf("wait for challenge slot: %w", err)
	}
	defer slots.Release(1)

	// Configuration may have been reloaded while waiting.
	snap = p.current.Load()
	if action == "" {
		action = snap.cfg.Action
	}

	w, err := p.dispatch()
	if err != nil {
		p.solvedFail.Add(1)
		return "", -1, err
	}
	defer w.claims.Add(-1)

	start := time.Now()
	token, ok := w.Solve(ctx, SolveRequest{
		Target:  target,
		SiteKey: snap.cfg.SiteKey,
		Action:  action,
		Proxy:   snap.proxy,
	})
	if !ok {
		p.solvedFail.Add(1)
		slog.Warn("Challenge token unavailable",
			"worker_id", w.ID(),
			"action", action,
			"duration", time.Since(start))
		p.logStats()
		return "", w.ID(), nil
	}

	p.solvedOK.Add(1)
	slog.Info("Challenge token acquired",
		"worker_id", w.ID(),
		"action", action,
		"duration", time.Since(start))
	p.logStats()
	return token, w.ID(), nil
}

// dispatch picks the next worker round robin, creating it on first use, and
// claims it for the caller.
func (p *Pool) dispatch() (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	count := uint64(p.current.Load().cfg.WorkerCount)
	id := int((p.rr.Add(1) - 1) % count)
	w, ok := p.workers[id]
	if !ok {
		// A worker retired by an earlier shrink may still be solving;
		// reinstating it keeps its lock serialising the session dir.
		if w = p.reinstateLocked(id); w != nil {
			slog.Debug("Challenge worker reinstated", "worker_id", id)
		} else {
			w = newWorker(id, p.opts.DataDir, p.launcher, p.opts.Worker)
			p.workers[id] = w
			slog.Debug("Challenge worker created", "worker_id", id)
		}
	}
	// Released by the caller once the solve returns.
	w.claims.Add(1)
	return w, nil
}

// reinstateLocked moves the retired worker with id back into the active set.
func (p *Pool) reinstateLocked(id int) *Worker {
	for i, w := range p.retired {
		if w.ID() == id {
			p.retired = append(p.retired[:i], p.retired[i+1:]...)
			p.workers[id] = w
			return w
		}
	}
	return nil
}

// ReportInvalid records that a token from workerID was rejected downstream.
func (p *Pool) ReportInvalid(workerID int) {
	p.reportedInvalid.Add(1)
	slog.Warn("Challenge token reported invalid", "worker_id", workerID)
	p.logStats()
}

// Reload re-reads the configuration. Workers beyond the new count are dropped
// and their in-flight solves finish normally.
func (p *Pool) Reload(ctx context.Context) (domain.ChallengeConfig, error) {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	if p.isClosed() {
		return domain.ChallengeConfig{}, ErrClosed
	}

	cfg, err := p.load(ctx)
	if err != nil {
		return domain.ChallengeConfig{}, err
	}

	prev := p.current.Load()
	slots := prev.slots
	if cfg.WorkerCount != prev.cfg.WorkerCount {
		// Holders of the old semaphore release to it; new callers queue on
		// the resized one.
		slots = semaphore.NewWeighted(int64(cfg.WorkerCount))
	}
	p.current.Store(&snapshot{cfg: cfg, proxy: p.parseProxy(cfg), slots: slots})

	dropped := 0
	if cfg.WorkerCount < prev.cfg.WorkerCount {
		p.mu.Lock()
		for id, w := range p.workers {
			if id >= cfg.WorkerCount {
				delete(p.workers, id)
				p.retired = append(p.retired, w)
				dropped++
			}
		}
		p.mu.Unlock()
	}

	slog.Info("Challenge pool reloaded",
		"previous_workers", prev.cfg.WorkerCount,
		"workers", cfg.WorkerCount,
		"dropped", dropped,
		"config_version", cfg.Version)
	return cfg, nil
}

// Config returns the configuration currently in effect.
func (p *Pool) Config() domain.ChallengeConfig {
	return p.current.Load().cfg
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() domain.PoolStats {
	stats := domain.PoolStats{
		RequestsTotal:     p.requestsTotal.Load(),
		SolvedOK:          p.solvedOK.Load(),
		SolvedFail:        p.solvedFail.Load(),
		ReportedInvalid:   p.reportedInvalid.Load(),
		ConfiguredWorkers: p.current.Load().cfg.WorkerCount,
	}

	p.mu.Lock()
	stats.ActiveWorkers = len(p.workers)
	stats.Workers = make([]domain.WorkerStats, 0, len(p.workers))
	for _, w := range p.workers {
		stats.Workers = append(stats.Workers, w.Stats())
	}
	p.mu.Unlock()

	sort.Slice(stats.Workers, func(i, j int) bool { return stats.Workers[i].ID < stats.Workers[j].ID })
	return stats
}

func (p *Pool) logStats() {
	s := p.Stats()
	slog.Info("Challenge pool stats",
		"req_total", s.RequestsTotal,
		"gen_ok", s.SolvedOK,
		"gen_fail", s.SolvedFail,
		"api_403", s.ReportedInvalid,
		"valid_success_rate", fmt.Sprintf("%.2f", s.ValidSuccessRate()))
}

// Close drops every worker. Later calls to AcquireToken fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.workers = make(map[int]*Worker)
	p.retired = nil
	slog.Info("Challenge pool closed")
	return nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
