package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/flowgate/internal/account"
	"github.com/ashureev/flowgate/internal/domain"
	"github.com/go-chi/chi/v5"
)

// SlotLedger reserves and returns per-account concurrency slots.
type SlotLedger interface {
	Track(ctx context.Context, id int64) error
	Acquire(id int64, c account.Capability) bool
	Release(id int64, c account.Capability)
	InFlight(id int64, c account.Capability) int64
}

// AccountHandler exposes account listing, selection and slot accounting.
type AccountHandler struct {
	*Handler
	ledger SlotLedger
}

// NewAccountHandler creates an account handler.
func NewAccountHandler(base *Handler, ledger SlotLedger) *AccountHandler {
	return &AccountHandler{Handler: base, ledger: ledger}
}

// RegisterRoutes registers account routes.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/accounts", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Upsert)
		r.Get("/select", h.Select)
		r.Post("/{id}/acquire", h.AcquireSlot)
		r.Post("/{id}/release", h.ReleaseSlot)
	})
}

// List returns every account.
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.repo.ListAccounts(r.Context())
	if err != nil {
		slog.Error("Failed to list accounts", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	if accounts == nil {
		accounts = []*domain.Account{}
	}
	JSON(w, http.StatusOK, accounts)
}

type accountRequest struct {
	Email                string    `json:"email"`
	Credits              int64     `json:"credits"`
	Active               *bool     `json:"active"`
	ImageEnabled         *bool     `json:"image_enabled"`
	VideoEnabled         *bool     `json:"video_enabled"`
	ImageConcurrency     *int      `json:"image_concurrency"`
	VideoConcurrency     *int      `json:"video_concurrency"`
	AccessToken          string    `json:"access_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
}

func (req accountRequest) toAccount() *domain.Account {
	acct := &domain.Account{
		Email:                strings.TrimSpace(req.Email),
		Credits:              req.Credits,
		Active:               true,
		ImageEnabled:         true,
		VideoEnabled:         true,
		ImageConcurrency:     domain.Unlimited,
		VideoConcurrency:     domain.Unlimited,
		AccessToken:          req.AccessToken,
		AccessTokenExpiresAt: req.AccessTokenExpiresAt,
	}
	if req.Active != nil {
		acct.Active = *req.Active
	}
	if req.ImageEnabled != nil {
		acct.ImageEnabled = *req.ImageEnabled
	}
	if req.VideoEnabled != nil {
		acct.VideoEnabled = *req.VideoEnabled
	}
	if req.ImageConcurrency != nil {
		acct.ImageConcurrency = *req.ImageConcurrency
	}
	if req.VideoConcurrency != nil {
		acct.VideoConcurrency = *req.VideoConcurrency
	}
	return acct
}

// Upsert creates or updates an account keyed by email.
func (h *AccountHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	acct := req.toAccount()
	if acct.Email == "" {
		Error(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := h.repo.UpsertAccount(r.Context(), acct); err != nil {
		slog.Error("Failed to upsert account", "error", err, "email", acct.Email)
		Error(w, http.StatusInternalServerError, "failed to save account")
		return
	}
	slog.Info("Account saved", "account_id", acct.ID, "email", acct.Email)
	JSON(w, http.StatusOK, acct)
}

// Select returns one eligible account for the requested capabilities, or 404
// when none qualifies.
func (h *AccountHandler) Select(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequirement(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	acct, err := h.balancer.Select(r.Context(), req)
	if err != nil {
		slog.Error("Account selection failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to select account")
		return
	}
	if acct == nil {
		Error(w, http.StatusNotFound, "no_eligible_account")
		return
	}
	JSON(w, http.StatusOK, acct)
}

func parseRequirement(r *http.Request) (account.Requirement, error) {
	var req account.Requirement
	q := r.URL.Query()
	for name, dst := range map[string]*bool{"image": &req.Image, "video": &req.Video} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return req, fmt.Errorf("invalid %s parameter: %q", name, raw)
		}
		*dst = v
	}
	return req, nil
}

func parseCapability(raw string) (account.Capability, error) {
	switch strings.ToLower(raw) {
	case "", "image":
		return account.CapabilityImage, nil
	case "video":
		return account.CapabilityVideo, nil
	default:
		return 0, fmt.Errorf("invalid capability: %q", raw)
	}
}

func slotParams(r *http.Request) (int64, account.Capability, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, fmt.Errorf("invalid account id")
	}
	c, err := parseCapability(r.URL.Query().Get("capability"))
	if err != nil {
		return 0, 0, err
	}
	return id, c, nil
}

// trackSlotAccount answers 404 for ids the store does not hold and reports
// whether the request may proceed.
func (h *AccountHandler) trackSlotAccount(w http.ResponseWriter, r *http.Request, id int64) bool {
	err := h.ledger.Track(r.Context(), id)
	switch {
	case err == nil:
		return true
	case errors.Is(err, account.ErrUnknownAccount):
		Error(w, http.StatusNotFound, "account_not_found")
	default:
		slog.Error("Failed to load account limits", "error", err, "account_id", id)
		Error(w, http.StatusInternalServerError, "failed to load account")
	}
	return false
}

// AcquireSlot reserves one in-flight slot for a generation call on the
// account. It answers 404 for an unknown account and 409 when the account is
// at its ceiling.
func (h *AccountHandler) AcquireSlot(w http.ResponseWriter, r *http.Request) {
	id, c, err := slotParams(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.trackSlotAccount(w, r, id) {
		return
	}
	if !h.ledger.Acquire(id, c) {
		Error(w, http.StatusConflict, "at_capacity")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"account_id": id,
		"capability": c.String(),
		"in_flight":  h.ledger.InFlight(id, c),
	})
}

// ReleaseSlot returns a slot reserved with AcquireSlot.
func (h *AccountHandler) ReleaseSlot(w http.ResponseWriter, r *http.Request) {
	id, c, err := slotParams(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.trackSlotAccount(w, r, id) {
		return
	}
	h.ledger.Release(id, c)
	JSON(w, http.StatusOK, map[string]interface{}{
		"account_id": id,
		"capability": c.String(),
		"in_flight":  h.ledger.InFlight(id, c),
	})
}
