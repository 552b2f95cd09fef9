// Package api provides HTTP handlers for the flowgate operations API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ashureev/flowgate/internal/account"
	"github.com/ashureev/flowgate/internal/domain"
	"github.com/ashureev/flowgate/internal/store"
)

// TokenPool is the challenge pool surface used by the handlers.
type TokenPool interface {
	AcquireToken(ctx context.Context, target, action string) (string, int, error)
	ReportInvalid(workerID int)
	Stats() domain.PoolStats
	Reload(ctx context.Context) (domain.ChallengeConfig, error)
	Config() domain.ChallengeConfig
	Available(ctx context.Context) error
}

// AccountSelector picks an eligible account for a request.
type AccountSelector interface {
	Select(ctx context.Context, req account.Requirement) (*domain.Account, error)
}

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	pool     TokenPool
	balancer AccountSelector
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, pool TokenPool, balancer AccountSelector) *Handler {
	return &Handler{
		repo:     repo,
		pool:     pool,
		balancer: balancer,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

const maxBodyBytes = 1 << 20

// decode reads a JSON request body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
