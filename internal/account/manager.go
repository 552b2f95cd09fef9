// Package account selects upstream accounts for generation calls.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/flowgate/internal/domain"
)

// Capability is a generation kind that carries its own concurrency limit.
type Capability int

const (
	CapabilityImage Capability = iota
	CapabilityVideo
)

func (c Capability) String() string {
	switch c {
	case CapabilityImage:
		return "image"
	case CapabilityVideo:
		return "video"
	default:
		return "unknown"
	}
}

// credentialMargin is how long before expiry an access token stops counting as live.
const credentialMargin = 60 * time.Second

// ErrUnknownAccount is returned by Track for an id the store does not hold.
var ErrUnknownAccount = errors.New("unknown account")

// AccountLister is the persistence dependency of Manager.
type AccountLister interface {
	ListActiveAccounts(ctx context.Context) ([]*domain.Account, error)
	// GetAccount returns nil, nil when the account does not exist.
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
}

// Manager is the account directory and concurrency ledger consumed by the
// Balancer. Per-account limits are refreshed from every listed snapshot.
type Manager struct {
	repo AccountLister
	now  func() time.Time

	mu      sync.RWMutex
	valid   map[int64]bool
	entries map[int64]*ledgerEntry
}

type ledgerEntry struct {
	imageLimit    atomic.Int64
	videoLimit    atomic.Int64
	imageInFlight atomic.Int64
	videoInFlight atomic.Int64
}

// NewManager creates a Manager backed by repo.
func NewManager(repo AccountLister) *Manager {
	return &Manager{
		repo:    repo,
		now:     time.Now,
		valid:   make(map[int64]bool),
		entries: make(map[int64]*ledgerEntry),
	}
}

// ListActiveAccounts returns the current snapshot of active accounts and
// refreshes credential validity and concurrency limits from it.
func (m *Manager) ListActiveAccounts(ctx context.Context) ([]*domain.Account, error) {
	accounts, err := m.repo.ListActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acct := range accounts {
		m.refreshLocked(acct, now)
	}
	return accounts, nil
}

// Track makes id known to the ledger, loading its limits from the store on a
// cache miss. It returns ErrUnknownAccount when the store has no such account.
func (m *Manager) Track(ctx context.Context, id int64) error {
	m.mu.RLock()
	_, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		return nil
	}

	acct, err := m.repo.GetAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("get account %d: %w", id, err)
	}
	if acct == nil {
		return ErrUnknownAccount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		m.refreshLocked(acct, m.now())
	}
	return nil
}

func (m *Manager) refreshLocked(acct *domain.Account, now time.Time) {
	m.valid[acct.ID] = acct.AccessTokenValidAt(now, credentialMargin)
	e, ok := m.entries[acct.ID]
	if !ok {
		e = &ledgerEntry{}
		m.entries[acct.ID] = e
	}
	e.imageLimit.Store(int64(acct.ImageConcurrency))
	e.videoLimit.Store(int64(acct.VideoConcurrency))
}

// IsCredentialValid reports whether the account's access token was live in
// the most recent snapshot.
func (m *Manager) IsCredentialValid(_ context.Context, id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.valid[id]
}

// CanUseImage reports whether the account has image concurrency headroom.
func (m *Manager) CanUseImage(id int64) bool {
	return m.canUse(id, CapabilityImage)
}

// CanUseVideo reports whether the account has video concurrency headroom.
func (m *Manager) CanUseVideo(id int64) bool {
	return m.canUse(id, CapabilityVideo)
}

func (m *Manager) canUse(id int64, c Capability) bool {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	limit, inFlight := e.counters(c)
	return limit.Load() <= 0 || inFlight.Load() < limit.Load()
}

// Acquire reserves one in-flight slot of capability c for the account.
// It returns false if the account is at its ceiling or has never been listed
// or tracked.
func (m *Manager) Acquire(id int64, c Capability) bool {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	limit, inFlight := e.counters(c)
	for {
		cur := inFlight.Load()
		if l := limit.Load(); l > 0 && cur >= l {
			return false
		}
		if inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot previously reserved with Acquire.
func (m *Manager) Release(id int64, c Capability) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	_, inFlight := e.counters(c)
	for {
		cur := inFlight.Load()
		if cur <= 0 {
			return
		}
		if inFlight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// InFlight returns the current in-flight count of capability c.
func (m *Manager) InFlight(id int64, c Capability) int64 {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	_, inFlight := e.counters(c)
	return inFlight.Load()
}

func (e *ledgerEntry) counters(c Capability) (limit, inFlight *atomic.Int64) {
	if c == CapabilityVideo {
		return &e.videoLimit, &e.videoInFlight
	}
	return &e.imageLimit, &e.imageInFlight
}
