package challenge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// OrphanReaper is implemented by launchers that can leave external resources
// behind a crashed process.
type OrphanReaper interface {
	ReapOrphans(ctx context.Context) (int, error)
}

// StartSweeper runs a background goroutine that removes stale session
// directories and orphaned browsers once immediately and then every interval.
func StartSweeper(ctx context.Context, p *Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval)

		p.Sweep(ctx)
		for {
			select {
			case <-ticker.C:
				p.Sweep(ctx)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep performs one cleanup pass.
func (p *Pool) Sweep(ctx context.Context) {
	removed, err := p.sweepSessionDirs()
	if err != nil {
		slog.Error("Session sweeper failed to scan data dir", "error", err)
	} else if removed > 0 {
		slog.Info("Session sweeper removed stale session dirs", "count", removed)
	}

	if n := p.sweepStaleProfiles(); n > 0 {
		slog.Info("Session sweeper removed stale browser profiles", "count", n)
	}

	if r, ok := p.launcher.(OrphanReaper); ok {
		n, err := r.ReapOrphans(ctx)
		if err != nil {
			slog.Error("Session sweeper failed to reap orphaned browsers", "error", err)
		} else if n > 0 {
			slog.Info("Session sweeper removed orphaned browsers", "count", n)
		}
	}
}

// sweepSessionDirs removes browser_<id> directories whose id is outside the
// configured range and that no worker still uses.
func (p *Pool) sweepSessionDirs() (int, error) {
	entries, err := os.ReadDir(p.opts.DataDir)
	if err != nil {
		return 0, fmt.Errorf("read data dir: %w", err)
	}

	count := p.current.Load().cfg.WorkerCount
	inUse := p.sessionIDsInUse()

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), sessionDirPrefix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(e.Name(), sessionDirPrefix))
		if err != nil || id < count || inUse[id] {
			continue
		}
		path := filepath.Join(p.opts.DataDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Session sweeper failed to remove dir", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// sessionIDsInUse returns materialized worker ids plus retired workers that
// are still solving. Idle retired workers are forgotten.
func (p *Pool) sessionIDsInUse() map[int]bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make(map[int]bool, len(p.workers)+len(p.retired))
	for id := range p.workers {
		ids[id] = true
	}
	busy := p.retired[:0]
	for _, w := range p.retired {
		if w.Busy() {
			ids[w.ID()] = true
			busy = append(busy, w)
		}
	}
	p.retired = busy
	return ids
}

// sweepStaleProfiles removes attempt profiles left behind by a crash from the
// session dirs of idle workers.
func (p *Pool) sweepStaleProfiles() int {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	removed := 0
	for _, w := range workers {
		removed += w.pruneProfiles()
	}
	return removed
}
