// File: internal/network/httpclient.go
package network

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Defaults for the collector connection. Beacon traffic is small and bursty
// against a single host, so the pool stays narrow.
const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second

	DefaultMaxIdleConnsPerHost = 4
	DefaultMaxConnsPerHost     = 8
	DefaultIdleConnTimeout     = 90 * time.Second
)

// ClientConfig configures the HTTP client used to reach the collector.
type ClientConfig struct {
	IgnoreTLSErrors bool

	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	ForceHTTP2 bool

	Logger *zap.Logger
}

// NewDefaultClientConfig returns the collector defaults.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DialTimeout:           DefaultDialTimeout,
		KeepAlive:             DefaultKeepAliveInterval,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       DefaultMaxConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ForceHTTP2:            true,
	}
}

// NewHTTPTransport creates an http.Transport from config. Zero values fall
// back to the defaults.
func NewHTTPTransport(config *ClientConfig) *http.Transport {
	if config == nil {
		config = NewDefaultClientConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	def := NewDefaultClientConfig()

	dialer := &net.Dialer{
		Timeout:   orDuration(config.DialTimeout, def.DialTimeout),
		KeepAlive: orDuration(config.KeepAlive, def.KeepAlive),
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       configureTLS(config),
		TLSHandshakeTimeout:   orDuration(config.TLSHandshakeTimeout, def.TLSHandshakeTimeout),
		ResponseHeaderTimeout: orDuration(config.ResponseHeaderTimeout, def.ResponseHeaderTimeout),
		MaxIdleConnsPerHost:   orInt(config.MaxIdleConnsPerHost, def.MaxIdleConnsPerHost),
		MaxConnsPerHost:       orInt(config.MaxConnsPerHost, def.MaxConnsPerHost),
		IdleConnTimeout:       orDuration(config.IdleConnTimeout, def.IdleConnTimeout),
		ForceAttemptHTTP2:     config.ForceHTTP2,
	}

	if config.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	} else {
		transport.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}
	return transport
}

// NewClient returns an *http.Client for collector traffic. The client has no
// overall timeout; callers bound each request with a context.
func NewClient(config *ClientConfig) *http.Client {
	return &http.Client{Transport: NewHTTPTransport(config)}
}

func configureTLS(config *ClientConfig) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ClientSessionCache: tls.NewLRUClientSessionCache(64),
		// Self-signed collectors in staging.
		InsecureSkipVerify: config.IgnoreTLSErrors,
	}
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
