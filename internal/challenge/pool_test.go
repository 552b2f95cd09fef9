package challenge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/flowgate/internal/domain"
	"github.com/google/go-cmp/cmp"
)

func TestAcquireTokenRoundRobin(t *testing.T) {
	p, _ := newTestPool(t, 2, newFakeLauncher())

	var ids []int
	for i := 0; i < 5; i++ {
		token, id, err := p.AcquireToken(context.Background(), "project", "")
		if err != nil {
			t.Fatalf("AcquireToken: %v", err)
		}
		if token != validToken {
			t.Fatalf("expected token, got %q", token)
		}
		ids = append(ids, id)
	}

	if diff := cmp.Diff([]int{0, 1, 0, 1, 0}, ids); diff != "" {
		t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
	}
	stats := p.Stats()
	if stats.RequestsTotal != 5 || stats.SolvedOK != 5 || stats.SolvedFail != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.ActiveWorkers != 2 {
		t.Errorf("expected 2 materialized workers, got %d", stats.ActiveWorkers)
	}
}

func TestAcquireTokenAdmissionBoundAndExclusivity(t *testing.T) {
	l := newFakeLauncher()
	l.delay = 20 * time.Millisecond
	p, _ := newTestPool(t, 3, l)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := p.AcquireToken(context.Background(), "project", ""); err != nil {
				t.Errorf("AcquireToken: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak := l.peak.Load(); peak > 3 {
		t.Errorf("expected at most 3 concurrent sessions, saw %d", peak)
	}
	if l.overlapped {
		t.Error("a worker ran two solves concurrently")
	}
	if got := p.Stats().SolvedOK; got != 12 {
		t.Errorf("expected 12 solved, got %d", got)
	}
	if l.launched.Load() != l.closed.Load() {
		t.Errorf("sessions leaked: %d launched, %d closed", l.launched.Load(), l.closed.Load())
	}
}

func TestAcquireTokenAbsentCountsOneFailure(t *testing.T) {
	l := newFakeLauncher()
	l.widgetReady = false
	p, _ := newTestPool(t, 1, l)

	token, id, err := p.AcquireToken(context.Background(), "project", "")
	if err != nil {
		t.Fatalf("AcquireToken: %v", err)
	}
	if token != "" || id != 0 {
		t.Fatalf("expected absent token from worker 0, got %q from %d", token, id)
	}

	stats := p.Stats()
	if stats.RequestsTotal != 1 || stats.SolvedFail != 1 || stats.SolvedOK != 0 {
		t.Errorf("unexpected pool stats %+v", stats)
	}
	if diff := cmp.Diff([]domain.WorkerStats{{ID: 0, Failed: 3}}, stats.Workers); diff != "" {
		t.Errorf("worker stats mismatch (-want +got):\n%s", diff)
	}
	if l.closed.Load() != 3 {
		t.Errorf("expected 3 sessions closed, got %d", l.closed.Load())
	}
}

func TestAcquireTokenUnavailable(t *testing.T) {
	t.Run("policy", func(t *testing.T) {
		l := newFakeLauncher()
		src := &fakeSource{cfg: domain.ChallengeConfig{WorkerCount: 1, SiteKey: "k"}}
		p, err := NewPool(context.Background(), src, l, PoolOptions{
			DataDir:          t.TempDir(),
			DisabledByPolicy: true,
			Worker:           testWorkerOptions(),
		})
		if err != nil {
			t.Fatalf("NewPool: %v", err)
		}

		_, _, err = p.AcquireToken(context.Background(), "project", "")
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if p.Stats().RequestsTotal != 0 || l.launched.Load() != 0 {
			t.Error("unavailable request must not touch counters or launch browsers")
		}
	})

	t.Run("backend", func(t *testing.T) {
		l := newFakeLauncher()
		l.availErr = ErrBrowserNotFound
		p, _ := newTestPool(t, 1, l)

		for i := 0; i < 2; i++ {
			if _, _, err := p.AcquireToken(context.Background(), "project", ""); !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v", err)
			}
		}
		if l.probeCounts != 1 {
			t.Errorf("expected cached availability probe, got %d probes", l.probeCounts)
		}
		if p.Stats().RequestsTotal != 0 {
			t.Error("unavailable request must not be counted")
		}
	})
}

func TestAcquireTokenContextExpiresWaitingForSlot(t *testing.T) {
	l := newFakeLauncher()
	release := make(chan struct{})
	l.block = map[int]chan struct{}{0: release}
	l.started = make(chan int, 4)
	p, _ := newTestPool(t, 1, l)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = p.AcquireToken(context.Background(), "project", "")
	}()
	<-l.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := p.AcquireToken(ctx, "project", "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(release)
	<-done
	stats := p.Stats()
	if stats.RequestsTotal != 2 || stats.SolvedOK != 1 || stats.SolvedFail != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestReloadShrinkDrainsInFlightWorker(t *testing.T) {
	l := newFakeLauncher()
	release := make(chan struct{})
	l.block = map[int]chan struct{}{3: release}
	l.started = make(chan int, 16)
	p, src := newTestPool(t, 4, l)

	for id := 0; id < 4; id++ {
		if err := os.MkdirAll(filepath.Join(p.opts.DataDir, sessionDirPrefix+strconv.Itoa(id)), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	// Workers 0..2 solve immediately; worker 3 blocks mid-solve.
	for i := 0; i < 3; i++ {
		if _, _, err := p.AcquireToken(context.Background(), "project", ""); err != nil {
			t.Fatalf("AcquireToken: %v", err)
		}
		<-l.started
	}

	type result struct {
		token string
		id    int
		err   error
	}
	inflight := make(chan result, 1)
	go func() {
		token, id, err := p.AcquireToken(context.Background(), "project", "")
		inflight <- result{token, id, err}
	}()
	if got := <-l.started; got != 3 {
		t.Fatalf("expected worker 3 in flight, got %d", got)
	}

	src.setWorkerCount(2)
	cfg, err := p.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if cfg.WorkerCount != 2 {
		t.Fatalf("expected 2 workers after reload, got %d", cfg.WorkerCount)
	}

	stats := p.Stats()
	if stats.ConfiguredWorkers != 2 || stats.ActiveWorkers != 2 {
		t.Errorf("expected workers 2,3 dropped, got %+v", stats)
	}

	// Worker 3's profile is still in use; worker 2's is not.
	p.Sweep(context.Background())
	assertDirs(t, p.opts.DataDir, []string{"browser_0", "browser_1", "browser_3"})

	close(release)
	res := <-inflight
	if res.err != nil || res.token != validToken || res.id != 3 {
		t.Fatalf("expected in-flight solve on worker 3 to finish, got %+v", res)
	}

	for i := 0; i < 4; i++ {
		_, id, err := p.AcquireToken(context.Background(), "project", "")
		if err != nil {
			t.Fatalf("AcquireToken: %v", err)
		}
		<-l.started
		if id >= 2 {
			t.Errorf("dispatched to dropped worker %d", id)
		}
	}

	p.Sweep(context.Background())
	assertDirs(t, p.opts.DataDir, []string{"browser_0", "browser_1"})
}

func TestReloadRegrowReinstatesRetiredWorker(t *testing.T) {
	l := newFakeLauncher()
	release := make(chan struct{})
	l.block = map[int]chan struct{}{3: release}
	l.started = make(chan int, 16)
	p, src := newTestPool(t, 4, l)

	for i := 0; i < 3; i++ {
		if _, _, err := p.AcquireToken(context.Background(), "project", ""); err != nil {
			t.Fatalf("AcquireToken: %v", err)
		}
		<-l.started
	}
	inflight := make(chan error, 1)
	go func() {
		_, _, err := p.AcquireToken(context.Background(), "project", "")
		inflight <- err
	}()
	if got := <-l.started; got != 3 {
		t.Fatalf("expected worker 3 in flight, got %d", got)
	}

	for _, n := range []int{2, 4} {
		src.setWorkerCount(n)
		if _, err := p.Reload(context.Background()); err != nil {
			t.Fatalf("Reload(%d): %v", n, err)
		}
	}

	// One request per id; the one for id 3 must wait for the in-flight solve.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := p.AcquireToken(context.Background(), "project", ""); err != nil {
				t.Errorf("AcquireToken: %v", err)
			}
		}()
	}
	for i := 0; i < 3; i++ {
		if got := <-l.started; got == 3 {
			t.Fatal("second solve started on worker 3 while the first was in flight")
		}
	}
	select {
	case id := <-l.started:
		t.Fatalf("worker %d started before worker 3 was released", id)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-inflight; err != nil {
		t.Fatalf("in-flight solve: %v", err)
	}
	if got := <-l.started; got != 3 {
		t.Errorf("expected queued solve on worker 3, got %d", got)
	}
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.overlapped {
		t.Error("two sessions ran on one worker id")
	}
	if l.staleState {
		t.Error("a session reused another attempt's profile")
	}
	if peak := l.peak.Load(); peak > 4 {
		t.Errorf("peak concurrency %d exceeds 4 workers", peak)
	}
}

func TestRetiredWorkerKeptWhileClaimed(t *testing.T) {
	p, src := newTestPool(t, 4, newFakeLauncher())

	var claimed *Worker
	for i := 0; i < 4; i++ {
		w, err := p.dispatch()
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if w.ID() == 3 {
			claimed = w
		} else {
			w.claims.Add(-1)
		}
	}

	src.setWorkerCount(2)
	if _, err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	// Dispatched but not yet solving: the sweep must not forget it.
	if ids := p.sessionIDsInUse(); !ids[3] || ids[2] {
		t.Fatalf("unexpected ids in use %v", ids)
	}

	src.setWorkerCount(4)
	if _, err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	var again *Worker
	for i := 0; i < 4; i++ {
		w, err := p.dispatch()
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if w.ID() == 3 {
			again = w
		}
		w.claims.Add(-1)
	}
	if again != claimed {
		t.Error("expected the retired worker 3 to be reinstated, got a new one")
	}
	claimed.claims.Add(-1)
}

func TestReloadGrowAndShrinkUnderLoad(t *testing.T) {
	l := newFakeLauncher()
	l.delay = 2 * time.Millisecond
	p, src := newTestPool(t, 2, l)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				_, _, _ = p.AcquireToken(ctx, "project", "")
			}
		}()
	}

	for _, n := range []int{4, 1, 3, 1, 4, 2} {
		src.setWorkerCount(n)
		if _, err := p.Reload(context.Background()); err != nil {
			t.Fatalf("Reload(%d): %v", n, err)
		}
		time.Sleep(15 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.overlapped {
		t.Error("two sessions ran on one worker id")
	}
	if l.staleState {
		t.Error("a session reused another attempt's profile")
	}
	if peak := l.peak.Load(); peak > 4 {
		t.Errorf("peak concurrency %d exceeds the largest worker count", peak)
	}
	if l.launched.Load() == 0 {
		t.Error("expected solves during reloads")
	}
}

func TestReportInvalidAndSuccessRate(t *testing.T) {
	p, _ := newTestPool(t, 1, newFakeLauncher())
	for i := 0; i < 4; i++ {
		if _, _, err := p.AcquireToken(context.Background(), "project", ""); err != nil {
			t.Fatalf("AcquireToken: %v", err)
		}
	}
	p.ReportInvalid(0)

	stats := p.Stats()
	if stats.ReportedInvalid != 1 {
		t.Errorf("expected 1 invalid report, got %d", stats.ReportedInvalid)
	}
	if got := stats.ValidSuccessRate(); got != 0.75 {
		t.Errorf("expected 0.75 success rate, got %v", got)
	}
}

func TestReloadSwapsSiteKeyAndProxy(t *testing.T) {
	l := newFakeLauncher()
	p, src := newTestPool(t, 1, l)

	src.mu.Lock()
	src.cfg.SiteKey = "new-key"
	src.cfg.Proxy = domain.ProxyConfig{Enabled: true, URL: "user:pw@10.0.0.2:3128"}
	src.mu.Unlock()

	if _, err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if p.Config().SiteKey != "new-key" {
		t.Errorf("expected site key swapped, got %q", p.Config().SiteKey)
	}
	if _, _, err := p.AcquireToken(context.Background(), "project", ""); err != nil {
		t.Fatalf("AcquireToken: %v", err)
	}

	proxy := l.launchOpts[0].Proxy
	if proxy == nil || proxy.Server() != "http://10.0.0.2:3128" || proxy.Username != "user" {
		t.Errorf("expected proxy applied to launch, got %+v", proxy)
	}
	if got := l.calls[0].SiteKey; got != "new-key" {
		t.Errorf("expected new site key used, got %q", got)
	}
}

func TestClosedPoolRejects(t *testing.T) {
	p, _ := newTestPool(t, 1, newFakeLauncher())
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := p.AcquireToken(context.Background(), "project", ""); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := p.Reload(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Reload, got %v", err)
	}
}

func TestNewPoolConfigError(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	if _, err := NewPool(context.Background(), src, newFakeLauncher(), PoolOptions{DataDir: t.TempDir()}); err == nil {
		t.Fatal("expected error")
	}
}

func assertDirs(t *testing.T, dir string, want []string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("session dirs mismatch (-want +got):\n%s", diff)
	}
}
