package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/flowgate/internal/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// minTokenLength is the length a response token must exceed to count.
const minTokenLength = 80

var errNoToken = errors.New("no site key and action produced a token")

// fallbackActions are tried after the requested action.
var fallbackActions = []string{"IMAGE_GENERATION", "VIDEO_GENERATION", "GENERATE", "GENERATION"}

// Timeouts bound each stage of one attempt.
type Timeouts struct {
	Navigate      time.Duration
	NetworkIdle   time.Duration // soft; expiry is not an error
	Settle        time.Duration
	Script        time.Duration // small page scripts
	WidgetReady   time.Duration
	Execute       time.Duration
	ExecuteInPage time.Duration // rejection timer inside the page
}

// DefaultTimeouts returns the production stage bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Navigate:      45 * time.Second,
		NetworkIdle:   12 * time.Second,
		Settle:        800 * time.Millisecond,
		Script:        10 * time.Second,
		WidgetReady:   20 * time.Second,
		Execute:       30 * time.Second,
		ExecuteInPage: 25 * time.Second,
	}
}

// WorkerOptions configures how a worker solves.
type WorkerOptions struct {
	BaseURL     string
	Timeouts    Timeouts
	MaxAttempts int
	RetryDelay  time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Timeouts == (Timeouts{}) {
		o.Timeouts = DefaultTimeouts()
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

// SolveRequest is one challenge to solve.
type SolveRequest struct {
	Target  string // project id appended to <base>/project/
	SiteKey string
	Action  string
	Proxy   *ProxySettings
}

// Worker solves one challenge at a time in a browser profile it owns.
type Worker struct {
	id          int
	sessionDir  string
	launcher    Launcher
	opts        WorkerOptions
	fingerprint func() Fingerprint

	lock chan struct{}
	// claims counts dispatched callers that have not finished Solve.
	claims atomic.Int32

	solved atomic.Int64
	failed atomic.Int64
}

func newWorker(id int, dataDir string, launcher Launcher, opts WorkerOptions) *Worker {
	return &Worker{
		id:          id,
		sessionDir:  sessionDirFor(dataDir, id),
		launcher:    launcher,
		opts:        opts.withDefaults(),
		fingerprint: RandomFingerprint,
		lock:        make(chan struct{}, 1),
	}
}

func sessionDirFor(dataDir string, id int) string {
	return filepath.Join(dataDir, sessionDirPrefix+strconv.Itoa(id))
}

// newProfile creates an empty browser profile for one attempt under the
// worker's session dir.
func (w *Worker) newProfile() (string, error) {
	if err := os.MkdirAll(w.sessionDir, 0755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	dir, err := os.MkdirTemp(w.sessionDir, profilePrefix)
	if err != nil {
		return "", fmt.Errorf("create browser profile: %w", err)
	}
	return dir, nil
}

// pruneProfiles removes leftover attempt profiles while the worker is idle.
// It skips a busy worker.
func (w *Worker) pruneProfiles() int {
	select {
	case w.lock <- struct{}{}:
	default:
		return 0
	}
	defer func() { <-w.lock }()

	entries, err := os.ReadDir(w.sessionDir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), profilePrefix) {
			continue
		}
		path := filepath.Join(w.sessionDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Failed to remove stale browser profile", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// ID returns the worker id.
func (w *Worker) ID() int { return w.id }

// Busy reports whether a solve is in flight or a dispatched caller is about to
// start one.
func (w *Worker) Busy() bool { return w.claims.Load() > 0 || len(w.lock) > 0 }

// Stats returns the worker's lifetime attempt counters.
func (w *Worker) Stats() domain.WorkerStats {
	return domain.WorkerStats{ID: w.id, Solved: w.solved.Load(), Failed: w.failed.Load()}
}

// Solve runs up to MaxAttempts fresh browser attempts and returns the first
// token. It never returns an error; ok is false when every attempt failed or
// ctx ended.
func (w *Worker) Solve(ctx context.Context, req SolveRequest) (string, bool) {
	select {
	case w.lock <- struct{}{}:
	case <-ctx.Done():
		return "", false
	}
	defer func() { <-w.lock }()

	var token string
	attempt := 0
	op := func() error {
		attempt++
		t, err := w.attempt(ctx, attempt, req)
		if err != nil {
			w.failed.Add(1)
			slog.Warn("Challenge attempt failed",
				"worker_id", w.id,
				"attempt", attempt,
				"max_attempts", w.opts.MaxAttempts,
				"error", err)
			return err
		}
		w.solved.Add(1)
		token = t
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.opts.RetryDelay), uint64(w.opts.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		slog.Error("Challenge attempts exhausted",
			"worker_id", w.id,
			"attempts", attempt,
			"error", err)
		return "", false
	}
	return token, true
}

// attempt launches one browser, runs the acquisition protocol and closes the
// browser on every path.
func (w *Worker) attempt(ctx context.Context, n int, req SolveRequest) (string, error) {
	log := slog.With("worker_id", w.id, "attempt", n, "attempt_id", uuid.NewString())

	profile, err := w.newProfile()
	if err != nil {
		return "", err
	}
	// Registered first so it runs after sess.Close has stopped the browser.
	defer func() {
		if err := os.RemoveAll(profile); err != nil {
			log.Warn("Failed to remove browser profile", "profile", profile, "error", err)
		}
	}()

	fp := w.fingerprint()
	sess, err := w.launcher.Launch(ctx, LaunchOptions{
		WorkerID:    w.id,
		SessionDir:  profile,
		Fingerprint: fp,
		Proxy:       req.Proxy,
	})
	if err != nil {
		return "", fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("Failed to close browser session", "error", err)
		}
	}()

	if req.Proxy != nil {
		log.Info("Browser using proxy", "proxy", req.Proxy.Server())
	}
	log.Debug("Browser launched",
		"launcher", w.launcher.Name(),
		"viewport", fmt.Sprintf("%dx%d", fp.Viewport.Width, fp.Viewport.Height))

	return w.acquire(ctx, sess, req, log)
}

func (w *Worker) acquire(ctx context.Context, sess Session, req SolveRequest, log *slog.Logger) (string, error) {
	t := w.opts.Timeouts

	pageURL := strings.TrimRight(w.opts.BaseURL, "/") + "/project/" + url.PathEscape(req.Target)
	if err := withTimeout(ctx, t.Navigate, func(ctx context.Context) error {
		return sess.Navigate(ctx, pageURL)
	}); err != nil {
		return "", err
	}

	if err := withTimeout(ctx, t.NetworkIdle, sess.WaitIdle); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Debug("Network did not go idle, continuing", "error", err)
	}

	if err := sleepCtx(ctx, t.Settle); err != nil {
		return "", err
	}

	var state pageState
	if err := withTimeout(ctx, t.Script, func(ctx context.Context) error {
		return sess.Eval(ctx, nudgePageScript, &state)
	}); err != nil {
		return "", fmt.Errorf("prepare page: %w", err)
	}
	log.Debug("Page ready", "ready_state", state.Ready, "visibility", state.Visibility, "has_enterprise", state.HasEnterprise)

	var extracted []string
	if err := withTimeout(ctx, t.Script, func(ctx context.Context) error {
		return sess.Eval(ctx, extractSiteKeysScript, &extracted)
	}); err != nil {
		log.Debug("Site key extraction failed", "error", err)
	}
	keys := siteKeyCandidates(extracted, req.SiteKey)
	if len(keys) == 0 {
		return "", errors.New("no site key available")
	}

	if !w.ensureWidget(ctx, sess, keys, log) {
		log.Warn("Widget runtime never became ready, trying execute anyway")
	}

	inPageMs := t.ExecuteInPage.Milliseconds()
	for _, key := range keys {
		for _, action := range actionCandidates(req.Action) {
			var token string
			err := withTimeout(ctx, t.Execute, func(ctx context.Context) error {
				return sess.Eval(ctx, executeScript(key, action, inPageMs), &token)
			})
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if err != nil {
				log.Warn("Challenge execute failed", "site_key", abbrev(key), "action", action, "error", err)
				continue
			}
			if len(token) > minTokenLength {
				log.Info("Challenge solved", "site_key", abbrev(key), "action", action, "token_len", len(token))
				return token, nil
			}
			if token != "" {
				log.Warn("Challenge returned short token", "site_key", abbrev(key), "action", action, "token_len", len(token))
			}
		}
	}
	return "", errNoToken
}

// ensureWidget makes the enterprise runtime available, injecting the loader
// for each key in turn until one becomes ready.
func (w *Worker) ensureWidget(ctx context.Context, sess Session, keys []string, log *slog.Logger) bool {
	t := w.opts.Timeouts
	for _, key := range keys {
		var ready bool
		if err := withTimeout(ctx, t.Script, func(ctx context.Context) error {
			return sess.Eval(ctx, widgetReadyExpr, &ready)
		}); err == nil && ready {
			return true
		}

		if err := withTimeout(ctx, t.Script, func(ctx context.Context) error {
			return sess.Eval(ctx, injectLoaderScript(key), nil)
		}); err != nil {
			log.Debug("Loader injection failed", "site_key", abbrev(key), "error", err)
		}

		ready = false
		err := withTimeout(ctx, t.WidgetReady+time.Second, func(ctx context.Context) error {
			return sess.Eval(ctx, waitWidgetScript(t.WidgetReady.Milliseconds()), &ready)
		})
		if err == nil && ready {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		log.Debug("Widget not ready for key", "site_key", abbrev(key), "error", err)
	}
	return false
}

// siteKeyCandidates de-duplicates extracted keys and appends the configured
// key last.
func siteKeyCandidates(extracted []string, configured string) []string {
	keys := make([]string, 0, len(extracted)+1)
	seen := make(map[string]bool, len(extracted)+1)
	for _, k := range append(extracted, configured) {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

// actionCandidates puts the requested action first, then the fallbacks.
func actionCandidates(requested string) []string {
	actions := make([]string, 0, len(fallbackActions)+1)
	seen := make(map[string]bool, len(fallbackActions)+1)
	for _, a := range append([]string{requested}, fallbackActions...) {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		actions = append(actions, a)
	}
	return actions
}

func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func abbrev(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "..."
}
