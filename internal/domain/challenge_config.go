package domain

import "time"

// Default challenge configuration values.
const (
	DefaultChallengeAction = "IMAGE_GENERATION"
	MinWorkerCount         = 1
)

// ProxyConfig is the optional egress proxy applied to browser traffic.
type ProxyConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// EffectiveURL returns the proxy URL when the proxy is enabled, otherwise "".
func (p ProxyConfig) EffectiveURL() string {
	if !p.Enabled {
		return ""
	}
	return p.URL
}

// ChallengeConfig is the runtime-mutable configuration of the challenge pool.
// Version increases on every persisted update.
type ChallengeConfig struct {
	WorkerCount int         `json:"worker_count"`
	SiteKey     string      `json:"site_key"`
	Action      string      `json:"action"`
	Proxy       ProxyConfig `json:"proxy"`
	Version     int64       `json:"version"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Normalized returns a copy with a clamped worker count and a default action.
func (c ChallengeConfig) Normalized() ChallengeConfig {
	if c.WorkerCount < MinWorkerCount {
		c.WorkerCount = MinWorkerCount
	}
	if c.Action == "" {
		c.Action = DefaultChallengeAction
	}
	return c
}
