package challenge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
)

// ErrBrowserNotFound is returned when no Chrome/Chromium binary can be located.
var ErrBrowserNotFound = errors.New("browser binary not found")

// browserCandidates are tried in order when no explicit path is configured.
var browserCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
	"headless-shell",
	"/usr/bin/google-chrome",
	"/usr/bin/chromium",
	"/headless-shell/headless-shell",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

// LocalLauncher starts Chrome on this host through chromedp's exec allocator.
type LocalLauncher struct {
	path     string
	headless bool
	lookPath func(string) (string, error)

	once     sync.Once
	resolved string
	err      error
}

// NewLocalLauncher creates a LocalLauncher. An empty path searches the
// well-known browser locations.
func NewLocalLauncher(path string, headless bool) *LocalLauncher {
	return &LocalLauncher{path: path, headless: headless, lookPath: exec.LookPath}
}

func (l *LocalLauncher) Name() string { return "local" }

// Available reports whether a browser binary was found.
func (l *LocalLauncher) Available(context.Context) error {
	_, err := l.browserPath()
	return err
}

func (l *LocalLauncher) browserPath() (string, error) {
	l.once.Do(func() {
		candidates := browserCandidates
		if l.path != "" {
			candidates = []string{l.path}
		}
		l.resolved, l.err = findBrowser(candidates, l.lookPath)
	})
	return l.resolved, l.err
}

// findBrowser returns the first candidate that resolves to an executable.
func findBrowser(candidates []string, lookPath func(string) (string, error)) (string, error) {
	tried := make([]string, 0, len(candidates))
	for _, c := range candidates {
		tried = append(tried, c)
		if p, err := lookPath(c); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (tried %s)", ErrBrowserNotFound, strings.Join(tried, ", "))
}

// Launch starts a new browser process with the worker's session directory as
// its profile.
func (l *LocalLauncher) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	path, err := l.browserPath()
	if err != nil {
		return nil, err
	}

	fp := opts.Fingerprint
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(path),
		chromedp.UserAgent(fp.UserAgent),
		chromedp.WindowSize(fp.Viewport.Width, fp.Viewport.Height),
		chromedp.Flag("headless", l.headless),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.NoSandbox,
	)
	if fp.Locale != "" {
		allocOpts = append(allocOpts, chromedp.Flag("lang", fp.Locale))
	}
	if opts.SessionDir != "" {
		dir, err := filepath.Abs(opts.SessionDir)
		if err != nil {
			return nil, fmt.Errorf("resolve session dir: %w", err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
		allocOpts = append(allocOpts, chromedp.UserDataDir(dir))
	}
	if opts.Proxy != nil {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.Proxy.Server()))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	return newChromeSession(ctx, allocCtx, cancelAlloc, opts, nil)
}
