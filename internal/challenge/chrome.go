package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const hideWebdriverScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

const (
	idleQuietPeriod  = 500 * time.Millisecond
	idlePollInterval = 100 * time.Millisecond
	releaseTimeout   = 30 * time.Second
)

// chromeSession drives one tab over CDP. The first tab owns the browser, so
// closing it closes the browser.
type chromeSession struct {
	workerID    int
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	release     func(context.Context) error

	inFlight     atomic.Int64
	lastActivity atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// newChromeSession opens a tab on allocCtx and prepares the page identity.
// ctx bounds only the preparation; the session lives until Close. On error
// every resource, including release, has been torn down.
func newChromeSession(ctx context.Context, allocCtx context.Context, cancelAlloc context.CancelFunc, opts LaunchOptions, release func(context.Context) error) (*chromeSession, error) {
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	s := &chromeSession{
		workerID:    opts.WorkerID,
		tabCtx:      tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		release:     release,
	}
	s.touch()
	chromedp.ListenTarget(tabCtx, s.onEvent(opts.Proxy))

	fp := opts.Fingerprint
	actions := []chromedp.Action{
		network.Enable(),
		emulation.SetUserAgentOverride(fp.UserAgent).WithAcceptLanguage(fp.AcceptLanguage),
		emulation.SetDeviceMetricsOverride(int64(fp.Viewport.Width), int64(fp.Viewport.Height), 1, false),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": fp.AcceptLanguage}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriverScript).Do(ctx)
			return err
		}),
	}
	if fp.Timezone != "" {
		actions = append(actions, emulation.SetTimezoneOverride(fp.Timezone))
	}
	if fp.Locale != "" {
		actions = append(actions, emulation.SetLocaleOverride().WithLocale(fp.Locale))
	}
	if opts.Proxy != nil && opts.Proxy.HasCredentials() {
		actions = append(actions, fetch.Enable().WithHandleAuthRequests(true))
	}

	// The first Run allocates the browser and must not carry a deadline,
	// so the launch ctx is attached only for the duration of setup.
	stop := context.AfterFunc(ctx, cancelTab)
	err := chromedp.Run(tabCtx, actions...)
	stop()
	if err != nil {
		if closeErr := s.Close(); closeErr != nil {
			slog.Debug("Browser teardown after failed launch", "worker_id", opts.WorkerID, "error", closeErr)
		}
		return nil, fmt.Errorf("prepare browser session: %w", err)
	}
	return s, nil
}

func (s *chromeSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *chromeSession) onEvent(proxy *ProxySettings) func(ev any) {
	return func(ev any) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			if ev.RedirectResponse == nil {
				s.inFlight.Add(1)
			}
			s.touch()
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			if s.inFlight.Add(-1) < 0 {
				s.inFlight.Store(0)
			}
			s.touch()
		case *fetch.EventRequestPaused:
			go s.reply(fetch.ContinueRequest(ev.RequestID))
		case *fetch.EventAuthRequired:
			resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseCancelAuth}
			if proxy != nil && ev.AuthChallenge != nil && ev.AuthChallenge.Source == fetch.AuthChallengeSourceProxy {
				resp = &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				}
			}
			go s.reply(fetch.ContinueWithAuth(ev.RequestID, resp))
		}
	}
}

// reply answers a paused event. Listeners run on the event loop and must not
// block, so replies go out on their own goroutine with an explicit executor.
func (s *chromeSession) reply(action chromedp.Action) {
	c := chromedp.FromContext(s.tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	if err := action.Do(cdp.WithExecutor(s.tabCtx, c.Target)); err != nil && s.tabCtx.Err() == nil {
		slog.Debug("CDP reply failed", "worker_id", s.workerID, "error", err)
	}
}

// run executes actions on the tab bounded by ctx.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *chromeSession) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		quiet := time.Since(time.Unix(0, s.lastActivity.Load()))
		if s.inFlight.Load() <= 0 && quiet >= idleQuietPeriod {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.tabCtx.Done():
			return s.tabCtx.Err()
		case <-ticker.C:
		}
	}
}

func (s *chromeSession) Eval(ctx context.Context, script string, out any) error {
	if out == nil {
		var discard json.RawMessage
		out = &discard
	}
	awaitPromise := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	return s.run(ctx, chromedp.Evaluate(script, out, awaitPromise))
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := chromedp.Cancel(s.tabCtx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		s.cancelTab()
		s.cancelAlloc()
		if s.release != nil {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			if err := s.release(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
