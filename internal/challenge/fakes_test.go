package challenge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/flowgate/internal/domain"
)

var validToken = strings.Repeat("t", 120)

type fakeSource struct {
	mu  sync.Mutex
	cfg domain.ChallengeConfig
	err error
}

func (f *fakeSource) GetChallengeConfig(context.Context) (domain.ChallengeConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg, f.err
}

func (f *fakeSource) setWorkerCount(n int) {
	f.mu.Lock()
	f.cfg.WorkerCount = n
	f.cfg.Version++
	f.mu.Unlock()
}

type execCall struct {
	SiteKey string
	Action  string
}

// fakeLauncher hands out scripted sessions and records concurrency.
type fakeLauncher struct {
	availErr  error
	launchErr error

	// Session behaviour.
	extracted   []string
	widgetReady bool
	token       func(action string) (string, error)

	// block holds execute for a given worker until the channel is closed;
	// started receives the worker id once its execute is entered.
	block   map[int]chan struct{}
	started chan int
	delay   time.Duration

	launched atomic.Int64
	closed   atomic.Int64
	active   atomic.Int64
	peak     atomic.Int64

	mu          sync.Mutex
	perWorker   map[int]int
	overlapped  bool
	staleState  bool // a session started on a profile holding earlier state
	calls       []execCall
	launchOpts  []LaunchOptions
	probeCounts int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		widgetReady: true,
		token:       func(string) (string, error) { return validToken, nil },
		perWorker:   make(map[int]int),
	}
}

func (l *fakeLauncher) Name() string { return "fake" }

func (l *fakeLauncher) Available(context.Context) error {
	l.mu.Lock()
	l.probeCounts++
	l.mu.Unlock()
	return l.availErr
}

func (l *fakeLauncher) Launch(_ context.Context, opts LaunchOptions) (Session, error) {
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	l.launched.Add(1)

	n := l.active.Add(1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	l.mu.Lock()
	l.perWorker[opts.WorkerID]++
	if l.perWorker[opts.WorkerID] > 1 {
		l.overlapped = true
	}
	l.launchOpts = append(l.launchOpts, opts)
	if opts.SessionDir != "" {
		if entries, err := os.ReadDir(opts.SessionDir); err != nil || len(entries) > 0 {
			l.staleState = true
		}
		// Browsers leave cookies and caches behind in their profile.
		_ = os.WriteFile(filepath.Join(opts.SessionDir, "Cookies"), []byte("sid=1"), 0644)
	}
	l.mu.Unlock()

	return &fakeSession{launcher: l, workerID: opts.WorkerID}, nil
}

type fakeSession struct {
	launcher *fakeLauncher
	workerID int
	once     sync.Once
}

func (s *fakeSession) Navigate(ctx context.Context, _ string) error { return ctx.Err() }

func (s *fakeSession) WaitIdle(context.Context) error { return nil }

func (s *fakeSession) Eval(ctx context.Context, script string, out any) error {
	l := s.launcher
	switch {
	case strings.Contains(script, "nudgePage"):
		*out.(*pageState) = pageState{Ready: "complete", Visibility: "visible"}
	case strings.Contains(script, "extractSiteKeys"):
		*out.(*[]string) = append([]string(nil), l.extracted...)
	case strings.Contains(script, "injectLoader"):
	case strings.Contains(script, "executeChallenge"):
		return s.execute(ctx, script, out.(*string))
	case strings.Contains(script, "widgetReady("), script == widgetReadyExpr:
		*out.(*bool) = l.widgetReady
	default:
		return errors.New("unexpected script")
	}
	return nil
}

func (s *fakeSession) execute(ctx context.Context, script string, out *string) error {
	l := s.launcher
	if l.started != nil {
		l.started <- s.workerID
	}
	if ch, ok := l.block[s.workerID]; ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if l.delay > 0 {
		time.Sleep(l.delay)
	}

	call := parseExecCall(script)
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()

	if !l.widgetReady {
		return errors.New("ReferenceError: grecaptcha is not defined")
	}
	tok, err := l.token(call.Action)
	if err != nil {
		return err
	}
	*out = tok
	return nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() {
		l := s.launcher
		l.closed.Add(1)
		l.active.Add(-1)
		l.mu.Lock()
		l.perWorker[s.workerID]--
		l.mu.Unlock()
	})
	return nil
}

// parseExecCall recovers the quoted arguments of an executeChallenge call.
func parseExecCall(script string) execCall {
	args := script[strings.LastIndex(script, "})(")+3:]
	parts := strings.SplitN(args, ", ", 3)
	if len(parts) < 2 {
		return execCall{}
	}
	return execCall{SiteKey: strings.Trim(parts[0], `"`), Action: strings.Trim(parts[1], `"`)}
}

func testWorkerOptions() WorkerOptions {
	return WorkerOptions{
		BaseURL:     "https://example.test/fx/tools/flow",
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		Timeouts: Timeouts{
			Navigate:      time.Second,
			NetworkIdle:   10 * time.Millisecond,
			Script:        time.Second,
			WidgetReady:   10 * time.Millisecond,
			Execute:       2 * time.Second,
			ExecuteInPage: time.Second,
		},
	}
}

func newTestPool(t *testing.T, workers int, l *fakeLauncher) (*Pool, *fakeSource) {
	t.Helper()
	src := &fakeSource{cfg: domain.ChallengeConfig{
		WorkerCount: workers,
		SiteKey:     "configured-site-key",
		Action:      "IMAGE_GENERATION",
		Version:     1,
	}}
	p, err := NewPool(context.Background(), src, l, PoolOptions{
		DataDir: t.TempDir(),
		Worker:  testWorkerOptions(),
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, src
}
