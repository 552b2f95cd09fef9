package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/flowgate/internal/challenge"
	"github.com/ashureev/flowgate/internal/domain"
	"github.com/go-chi/chi/v5"
)

// CaptchaHandler exposes the challenge pool.
type CaptchaHandler struct {
	*Handler
	tokenWait time.Duration

	// configMu rejects overlapping config updates instead of queueing them.
	configMu sync.Mutex
}

// NewCaptchaHandler creates a captcha handler. tokenWait bounds a single
// token request including time spent waiting for a free worker.
func NewCaptchaHandler(base *Handler, tokenWait time.Duration) *CaptchaHandler {
	return &CaptchaHandler{Handler: base, tokenWait: tokenWait}
}

// RegisterRoutes registers captcha routes.
func (h *CaptchaHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/captcha", func(r chi.Router) {
		r.Get("/stats", h.GetStats)
		r.Post("/reload", h.Reload)
		r.Get("/config", h.GetConfig)
		r.Put("/config", h.UpdateConfig)
		r.Post("/token", h.AcquireToken)
		r.Post("/report", h.ReportInvalid)
	})
}

type statsResponse struct {
	domain.PoolStats
	ValidSuccessRate float64 `json:"valid_success_rate"`
}

func newStatsResponse(s domain.PoolStats) statsResponse {
	return statsResponse{PoolStats: s, ValidSuccessRate: s.ValidSuccessRate()}
}

// GetStats returns the pool counters.
func (h *CaptchaHandler) GetStats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, newStatsResponse(h.pool.Stats()))
}

// Reload re-reads the persisted configuration into the pool.
func (h *CaptchaHandler) Reload(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.pool.Reload(r.Context())
	if err != nil {
		slog.Error("Failed to reload challenge pool", "error", err)
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, cfg)
}

// GetConfig returns the configuration currently in effect.
func (h *CaptchaHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.pool.Config())
}

// configUpdate carries the fields of a partial config update.
type configUpdate struct {
	WorkerCount *int                `json:"worker_count"`
	SiteKey     *string             `json:"site_key"`
	Action      *string             `json:"action"`
	Proxy       *domain.ProxyConfig `json:"proxy"`
}

func (u configUpdate) apply(cfg domain.ChallengeConfig) (domain.ChallengeConfig, error) {
	if u.WorkerCount != nil {
		if *u.WorkerCount < domain.MinWorkerCount {
			return cfg, fmt.Errorf("worker_count must be >= %d", domain.MinWorkerCount)
		}
		cfg.WorkerCount = *u.WorkerCount
	}
	if u.SiteKey != nil {
		cfg.SiteKey = *u.SiteKey
	}
	if u.Action != nil {
		cfg.Action = *u.Action
	}
	if u.Proxy != nil {
		if u.Proxy.Enabled && u.Proxy.URL == "" {
			return cfg, errors.New("proxy url is required when the proxy is enabled")
		}
		if err := challenge.ValidateProxyURL(u.Proxy.URL); err != nil {
			return cfg, err
		}
		cfg.Proxy = *u.Proxy
	}
	return cfg, nil
}

// UpdateConfig validates and persists a partial config update, then reloads
// the pool.
func (h *CaptchaHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	if !h.configMu.TryLock() {
		Error(w, http.StatusConflict, "config_update_in_progress")
		return
	}
	defer h.configMu.Unlock()

	var req configUpdate
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	current, err := h.repo.GetChallengeConfig(ctx)
	if err != nil {
		slog.Error("Failed to read challenge config", "error", err)
		Error(w, http.StatusInternalServerError, "failed to read config")
		return
	}
	next, err := req.apply(current)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.repo.UpdateChallengeConfig(ctx, next); err != nil {
		slog.Error("Failed to persist challenge config", "error", err)
		Error(w, http.StatusInternalServerError, "failed to persist config")
		return
	}

	cfg, err := h.pool.Reload(ctx)
	if err != nil {
		slog.Error("Failed to reload challenge pool", "error", err)
		Error(w, statusFor(err), err.Error())
		return
	}
	slog.Info("Challenge config updated",
		"workers", cfg.WorkerCount,
		"proxy_enabled", cfg.Proxy.Enabled,
		"config_version", cfg.Version)
	JSON(w, http.StatusOK, cfg)
}

type tokenRequest struct {
	Target string `json:"target"`
	Action string `json:"action"`
}

// AcquireToken solves one challenge.
func (h *CaptchaHandler) AcquireToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Target == "" {
		Error(w, http.StatusBadRequest, "target is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.tokenWait)
	defer cancel()

	token, workerID, err := h.pool.AcquireToken(ctx, req.Target, req.Action)
	if err != nil {
		slog.Warn("Token request failed", "target", req.Target, "error", err)
		Error(w, statusFor(err), err.Error())
		return
	}
	if token == "" {
		Error(w, http.StatusGatewayTimeout, "token_unavailable")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"worker_id": workerID,
	})
}

type reportRequest struct {
	WorkerID *int `json:"worker_id"`
}

// ReportInvalid records a token rejected downstream.
func (h *CaptchaHandler) ReportInvalid(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decode(r, &req); err != nil || req.WorkerID == nil {
		Error(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	h.pool.ReportInvalid(*req.WorkerID)
	JSON(w, http.StatusOK, newStatsResponse(h.pool.Stats()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, challenge.ErrUnavailable), errors.Is(err, challenge.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
