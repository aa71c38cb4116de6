package client

import (
	"crypto/tls"
	"time"
)

// Version is sent in the default User-Agent.
const Version = "0.1.0"

// DefaultUserAgent is used when a request carries no User-Agent header.
const DefaultUserAgent = "klaver/" + Version

const (
	defaultDialTimeout = 30 * time.Second
	defaultIdleTimeout = 90 * time.Second
	defaultMaxIdle     = 4
)

// Config configures a Client. The zero value is usable.
type Config struct {
	// Timeout bounds each request from send until the response body is
	// fully read. Zero means no timeout.
	Timeout time.Duration
	// DialTimeout bounds establishing a connection, including the TLS
	// handshake.
	DialTimeout time.Duration
	// IdleTimeout is how long an unused connection stays in the pool.
	IdleTimeout time.Duration
	// MaxConnsPerHost limits open connections per scheme, host and port.
	// Zero means no limit.
	MaxConnsPerHost int
	// MaxIdlePerHost limits idle connections kept per scheme, host and
	// port.
	MaxIdlePerHost int
	// UserAgent replaces DefaultUserAgent. Set it to "-" to send none.
	UserAgent string
	// ProxyURL routes connections through a proxy, e.g. socks5://host:1080.
	ProxyURL string
	// TLSConfig is cloned for every TLS connection.
	TLSConfig *tls.Config
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool
	// HighWaterMark is the backpressure threshold of response bodies.
	HighWaterMark int
	// Timer schedules request timeouts. The wall clock is used if nil.
	Timer Timer
}

// A Timer schedules f to run after d.
type Timer interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxIdlePerHost <= 0 {
		c.MaxIdlePerHost = defaultMaxIdle
	}
	switch c.UserAgent {
	case "":
		c.UserAgent = DefaultUserAgent
	case "-":
		c.UserAgent = ""
	}
	if c.Timer == nil {
		c.Timer = wallClock{}
	}
	return c
}
