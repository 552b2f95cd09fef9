package challenge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/flowgate/internal/container"
	"github.com/google/go-cmp/cmp"
)

type fakeContainers struct {
	mu       sync.Mutex
	startErr error
	url      string
	specs    []container.BrowserSpec
	listed   []container.Browser
	stopped  []string
	exited   bool
	inspects int
}

func (f *fakeContainers) StartBrowser(_ context.Context, spec container.BrowserSpec) (*container.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &container.Browser{ID: "c-" + spec.Name, Name: spec.Name, WorkerID: spec.WorkerID, DevToolsURL: f.url, Running: true}, nil
}

func (f *fakeContainers) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeContainers) IsRunning(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspects++
	return !f.exited, nil
}

func (f *fakeContainers) ListBrowsers(context.Context) ([]container.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakeContainers) Ping(context.Context) error { return nil }

func TestDockerLauncherStartFailure(t *testing.T) {
	fc := &fakeContainers{startErr: errors.New("image missing")}
	l := NewDockerLauncher(fc, "chromedp/headless-shell:latest", "flowgate-browsers")

	_, err := l.Launch(context.Background(), LaunchOptions{WorkerID: 2, Fingerprint: RandomFingerprint()})
	if err == nil {
		t.Fatal("expected launch error")
	}
	if len(l.live) != 0 {
		t.Errorf("expected no tracked containers, got %v", l.live)
	}

	spec := fc.specs[0]
	if !strings.HasPrefix(spec.Name, "flowgate-browser-2-") || spec.WorkerID != 2 {
		t.Errorf("unexpected spec %+v", spec)
	}
}

func TestDockerLauncherPassesProxyAndFingerprint(t *testing.T) {
	fc := &fakeContainers{startErr: errors.New("stop here")}
	l := NewDockerLauncher(fc, "img", "net")
	proxy, _ := ParseProxyURL("socks5://10.0.0.9:1080")

	fp := Fingerprint{UserAgent: "UA/1.0", Viewport: Viewport{Width: 1280, Height: 700}, Locale: "en-US"}
	_, _ = l.Launch(context.Background(), LaunchOptions{WorkerID: 0, Fingerprint: fp, Proxy: proxy, SessionDir: t.TempDir()})

	spec := fc.specs[0]
	want := []string{
		"--user-agent=UA/1.0",
		"--window-size=1280,700",
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--hide-scrollbars",
		"--lang=en-US",
		"--proxy-server=socks5://10.0.0.9:1080",
	}
	if diff := cmp.Diff(want, spec.Args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if spec.SessionDir == "" || spec.Image != "img" || spec.Network != "net" {
		t.Errorf("unexpected spec %+v", spec)
	}
}

func TestDockerLauncherRemovesContainerWhenDevToolsNeverReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fc := &fakeContainers{url: srv.URL}
	l := NewDockerLauncher(fc, "img", "net")
	l.readyWait = 100 * time.Millisecond

	if _, err := l.Launch(context.Background(), LaunchOptions{WorkerID: 1, Fingerprint: RandomFingerprint()}); err == nil {
		t.Fatal("expected launch error")
	}
	if len(fc.stopped) != 1 || fc.stopped[0] != "c-"+fc.specs[0].Name {
		t.Errorf("expected container removed, stopped %v", fc.stopped)
	}
	if len(l.live) != 0 {
		t.Errorf("expected container untracked, got %v", l.live)
	}
}

func TestDockerLauncherStopsWaitingWhenContainerExits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fc := &fakeContainers{url: srv.URL, exited: true}
	l := NewDockerLauncher(fc, "img", "net")

	start := time.Now()
	_, err := l.Launch(context.Background(), LaunchOptions{WorkerID: 1, Fingerprint: RandomFingerprint()})
	if !errors.Is(err, errContainerExited) {
		t.Fatalf("expected errContainerExited, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected early give-up, waited %v", elapsed)
	}
	if fc.inspects != 1 || len(fc.stopped) != 1 {
		t.Errorf("expected one inspect and removal, got %d inspects, stopped %v", fc.inspects, fc.stopped)
	}
}

func TestDockerLauncherReapOrphansSparesLiveContainers(t *testing.T) {
	fc := &fakeContainers{listed: []container.Browser{
		{ID: "a", Name: "flowgate-browser-0-live"},
		{ID: "b", Name: "flowgate-browser-1-stale"},
		{ID: "c", Name: "flowgate-browser-4-stale"},
	}}
	l := NewDockerLauncher(fc, "img", "net")
	l.track("flowgate-browser-0-live")

	n, err := l.ReapOrphans(context.Background())
	if err != nil {
		t.Fatalf("ReapOrphans: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 reaped, got %d", n)
	}
	if diff := cmp.Diff([]string{"b", "c"}, fc.stopped); diff != "" {
		t.Errorf("stopped mismatch (-want +got):\n%s", diff)
	}
}
