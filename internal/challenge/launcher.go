package challenge

import "context"

// LaunchOptions configures one browser session.
type LaunchOptions struct {
	WorkerID int
	// SessionDir is the private profile of this attempt. The caller creates
	// it and removes it after Close.
	SessionDir  string
	Fingerprint Fingerprint
	Proxy       *ProxySettings
}

// Session is one live browser page. Close must be called on every path.
type Session interface {
	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error

	// WaitIdle blocks until no network request has been in flight for a
	// short quiet period, or ctx ends.
	WaitIdle(ctx context.Context) error

	// Eval runs script in the page, awaiting a returned promise, and decodes
	// the result into out when out is non-nil.
	Eval(ctx context.Context, script string, out any) error

	// Close tears the browser down.
	Close() error
}

// Launcher creates browser sessions.
type Launcher interface {
	// Launch starts a fresh browser. On error any partially created
	// resources have already been released.
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)

	// Available reports whether this backend can run here.
	Available(ctx context.Context) error

	// Name identifies the backend in logs and stats.
	Name() string
}
