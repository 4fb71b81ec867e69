// Package httpclient builds the HTTP clients shared by the provider
// adapters, with sane timeouts per workload class.
package httpclient

import (
	"net/http"
	"time"
)

const (
	// TimeoutMedium suits request/response providers such as ASR.
	TimeoutMedium = 30 * time.Second
	// TimeoutLong suits synthesis providers that stream large bodies.
	TimeoutLong = 60 * time.Second
)

type Config struct {
	Timeout   time.Duration
	Transport http.RoundTripper
}

type Option func(*Config)

func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithTransport sets a custom transport (e.g. for OTEL tracing).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Config) {
		c.Transport = rt
	}
}

func New(opts ...Option) *http.Client {
	cfg := &Config{
		Timeout:   TimeoutMedium,
		Transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: cfg.Transport,
	}
}

func NewLong(opts ...Option) *http.Client {
	return New(append([]Option{WithTimeout(TimeoutLong)}, opts...)...)
}
