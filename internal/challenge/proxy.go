package challenge

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var proxyPattern = regexp.MustCompile(`^(socks5|http|https)://(?:([^:]+):([^@]+)@)?([^:]+):(\d+)$`)

// ErrInvalidProxy is returned for proxy URLs outside scheme://[user:pass@]host:port.
var ErrInvalidProxy = errors.New("invalid proxy url")

// ProxySettings is a parsed egress proxy.
type ProxySettings struct {
	Scheme   string
	Host     string
	Port     string
	Username string
	Password string
}

// Server returns the proxy address without credentials, as Chrome's
// --proxy-server flag expects it.
func (p *ProxySettings) Server() string {
	return p.Scheme + "://" + p.Host + ":" + p.Port
}

// HasCredentials reports whether the proxy requires authentication.
func (p *ProxySettings) HasCredentials() bool {
	return p.Username != ""
}

// ParseProxyURL parses raw into ProxySettings. An empty raw means no proxy
// and returns nil, nil. A bare host:port defaults to http.
func ParseProxyURL(raw string) (*ProxySettings, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") && !strings.HasPrefix(raw, "socks5://") {
		raw = "http://" + raw
	}

	m := proxyPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("%w: expected scheme://[user:pass@]host:port", ErrInvalidProxy)
	}
	return &ProxySettings{
		Scheme:   m[1],
		Username: m[2],
		Password: m[3],
		Host:     m[4],
		Port:     m[5],
	}, nil
}

// ValidateProxyURL checks raw without keeping the result.
func ValidateProxyURL(raw string) error {
	_, err := ParseProxyURL(raw)
	return err
}
