package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/flowgate/internal/container"
	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

const (
	devToolsReadyTimeout = 20 * time.Second
	devToolsPollInterval = 200 * time.Millisecond
)

var errContainerExited = errors.New("browser container exited")

// BrowserContainers is the container backend consumed by DockerLauncher.
type BrowserContainers interface {
	StartBrowser(ctx context.Context, spec container.BrowserSpec) (*container.Browser, error)
	StopContainer(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)
	ListBrowsers(ctx context.Context) ([]container.Browser, error)
	Ping(ctx context.Context) error
}

// DockerLauncher runs every session in a disposable headless-shell container
// and drives it through chromedp's remote allocator.
type DockerLauncher struct {
	containers BrowserContainers
	image      string
	network    string
	httpClient *http.Client
	readyWait  time.Duration

	mu   sync.Mutex
	live map[string]struct{}
}

// NewDockerLauncher creates a DockerLauncher using image on network.
func NewDockerLauncher(containers BrowserContainers, image, network string) *DockerLauncher {
	return &DockerLauncher{
		containers: containers,
		image:      image,
		network:    network,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		readyWait:  devToolsReadyTimeout,
		live:       make(map[string]struct{}),
	}
}

func (l *DockerLauncher) Name() string { return "docker" }

// Available reports whether the Docker daemon is reachable.
func (l *DockerLauncher) Available(ctx context.Context) error {
	return l.containers.Ping(ctx)
}

// Launch starts a browser container and attaches to its DevTools endpoint.
func (l *DockerLauncher) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	fp := opts.Fingerprint
	args := []string{
		"--user-agent=" + fp.UserAgent,
		fmt.Sprintf("--window-size=%d,%d", fp.Viewport.Width, fp.Viewport.Height),
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--hide-scrollbars",
	}
	if fp.Locale != "" {
		args = append(args, "--lang="+fp.Locale)
	}
	if opts.Proxy != nil {
		args = append(args, "--proxy-server="+opts.Proxy.Server())
	}

	var sessionDir string
	if opts.SessionDir != "" {
		dir, err := filepath.Abs(opts.SessionDir)
		if err != nil {
			return nil, fmt.Errorf("resolve session dir: %w", err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
		sessionDir = dir
	}

	name := "flowgate-browser-" + strconv.Itoa(opts.WorkerID) + "-" + uuid.NewString()[:8]
	l.track(name)
	browser, err := l.containers.StartBrowser(ctx, container.BrowserSpec{
		Name:       name,
		WorkerID:   opts.WorkerID,
		Image:      l.image,
		Network:    l.network,
		SessionDir: sessionDir,
		Args:       args,
	})
	if err != nil {
		l.untrack(name)
		return nil, fmt.Errorf("start browser container: %w", err)
	}

	release := func(ctx context.Context) error {
		defer l.untrack(name)
		if err := l.containers.StopContainer(ctx, browser.ID); err != nil {
			return fmt.Errorf("stop browser container: %w", err)
		}
		return nil
	}

	if err := l.waitDevTools(ctx, browser); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if relErr := release(releaseCtx); relErr != nil {
			slog.Warn("Failed to remove browser container", "container_id", browser.ID, "error", relErr)
		}
		return nil, err
	}

	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), browser.DevToolsURL)
	return newChromeSession(ctx, allocCtx, cancelAlloc, opts, release)
}

// waitDevTools polls /json/version until the browser accepts CDP clients. It
// gives up early once the container has exited.
func (l *DockerLauncher) waitDevTools(ctx context.Context, browser *container.Browser) error {
	baseURL := browser.DevToolsURL
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = devToolsPollInterval
	b.MaxInterval = time.Second
	b.MaxElapsedTime = l.readyWait

	probe := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/json/version", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := l.httpClient.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("devtools status %d", resp.StatusCode)
		}
		return nil
	}
	op := func() error {
		err := probe()
		if err == nil {
			return nil
		}
		if running, runErr := l.containers.IsRunning(ctx, browser.ID); runErr == nil && !running {
			return backoff.Permanent(errContainerExited)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("wait for devtools at %s: %w", baseURL, err)
	}
	return nil
}

// track marks a container name as owned before it is created, so the reaper
// never races a launch in progress.
func (l *DockerLauncher) track(name string) {
	l.mu.Lock()
	l.live[name] = struct{}{}
	l.mu.Unlock()
}

func (l *DockerLauncher) untrack(name string) {
	l.mu.Lock()
	delete(l.live, name)
	l.mu.Unlock()
}

// ReapOrphans removes browser containers that no live session owns, such as
// those left behind by a crashed process.
func (l *DockerLauncher) ReapOrphans(ctx context.Context) (int, error) {
	browsers, err := l.containers.ListBrowsers(ctx)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	var orphans []container.Browser
	for _, b := range browsers {
		if _, ok := l.live[b.Name]; !ok {
			orphans = append(orphans, b)
		}
	}
	l.mu.Unlock()

	removed := 0
	for _, b := range orphans {
		if err := l.containers.StopContainer(ctx, b.ID); err != nil {
			slog.Warn("Failed to remove orphaned browser container",
				"container_id", b.ID,
				"worker_id", b.WorkerID,
				"error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
