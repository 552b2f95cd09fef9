// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Launcher backends for the challenge browser pool.
const (
	LauncherLocal  = "local"
	LauncherDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	AdminAPIKey string

	// GRPCHealthAddr enables the gRPC health service when non-empty.
	GRPCHealthAddr string

	Browser BrowserConfig
	Captcha CaptchaConfig
}

// BrowserConfig controls how challenge browser sessions are launched.
type BrowserConfig struct {
	Launcher string // "local" or "docker"
	DataDir  string
	Path     string // explicit Chrome/Chromium binary for the local launcher
	Image    string // headless-shell image for the docker launcher
	Network  string // docker network for browser containers
	Runtime  string // container runtime: "" = default (runc), "runsc" = gVisor
	Headless bool

	// AllowInContainer gates browser automation when the server itself runs
	// inside a container.
	AllowInContainer bool
	SweepInterval    time.Duration
}

// CaptchaConfig holds defaults used to seed the persisted pool configuration.
type CaptchaConfig struct {
	BaseURL     string
	SiteKey     string
	Action      string
	WorkerCount int
	WaitTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/flowgate.db"),
		AdminAPIKey:    getEnv("ADMIN_API_KEY", ""),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		Browser: BrowserConfig{
			Launcher:         strings.ToLower(getEnv("BROWSER_LAUNCHER", LauncherLocal)),
			DataDir:          getEnv("BROWSER_DATA_DIR", "./browser_data_rt"),
			Path:             getEnv("BROWSER_PATH", ""),
			Image:            getEnv("BROWSER_IMAGE", "chromedp/headless-shell:latest"),
			Network:          getEnv("BROWSER_NETWORK", "flowgate-browsers"),
			Runtime:          getEnv("BROWSER_RUNTIME", ""),
			Headless:         getEnvBool("BROWSER_HEADLESS", IsContainer()),
			AllowInContainer: getEnvBool("ALLOW_DOCKER_BROWSER_CAPTCHA", true),
			SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		},
		Captcha: CaptchaConfig{
			BaseURL:     getEnv("CAPTCHA_BASE_URL", "https://labs.google/fx/tools/flow"),
			SiteKey:     getEnv("CAPTCHA_SITE_KEY", "6LdsFiUsAAAAAIjVDZcuLhaHiDn5nnHVXVRQGeMV"),
			Action:      getEnv("CAPTCHA_ACTION", "IMAGE_GENERATION"),
			WorkerCount: getEnvInt("CAPTCHA_WORKER_COUNT", 1),
			WaitTimeout: getEnvDuration("TOKEN_WAIT_TIMEOUT", 3*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Browser.DataDir == "" {
		return fmt.Errorf("BROWSER_DATA_DIR cannot be empty")
	}
	switch c.Browser.Launcher {
	case LauncherLocal, LauncherDocker:
	default:
		return fmt.Errorf("BROWSER_LAUNCHER must be %q or %q, got %q", LauncherLocal, LauncherDocker, c.Browser.Launcher)
	}
	if c.Browser.Launcher == LauncherDocker && c.Browser.Image == "" {
		return fmt.Errorf("BROWSER_IMAGE cannot be empty with the docker launcher")
	}
	if c.Browser.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Captcha.BaseURL == "" {
		return fmt.Errorf("CAPTCHA_BASE_URL cannot be empty")
	}
	if c.Captcha.WorkerCount < 1 {
		return fmt.Errorf("CAPTCHA_WORKER_COUNT must be >= 1")
	}
	if c.Captcha.WaitTimeout <= 0 {
		return fmt.Errorf("TOKEN_WAIT_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AutomationDisabledByPolicy reports whether browser automation must be
// refused because the server runs inside a container without opt-in.
func (c *Config) AutomationDisabledByPolicy() bool {
	return IsContainer() && !c.Browser.AllowInContainer
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" || os.Getenv("DOCKER_CONTAINER") != "" {
		return true
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		s := string(data)
		if strings.Contains(s, "docker") || strings.Contains(s, "kubepods") || strings.Contains(s, "containerd") {
			return true
		}
	}
	return false
}
