package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/idna"
	"golang.org/x/net/proxy"

	"code.dopame.me/veonik/klaver/errkind"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// keyFor returns the pool key for u, converting the host to its ASCII form.
func keyFor(u *url.URL) (poolKey, error) {
	host, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil {
		return poolKey{}, errkind.New(errkind.InvalidURL, "send", err)
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[u.Scheme]
	}
	return poolKey{scheme: u.Scheme, host: host, port: port}, nil
}

type dialer struct {
	net     proxy.ContextDialer
	tls     *tls.Config
	timeout time.Duration
}

func newDialer(cfg Config) (*dialer, error) {
	nd := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	d := &dialer{net: nd, timeout: cfg.DialTimeout}
	if cfg.ProxyURL != "" {
		pu, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, errors.Wrap(err, "client: invalid proxy url")
		}
		pd, err := proxy.FromURL(pu, nd)
		if err != nil {
			return nil, errors.Wrap(err, "client: unsupported proxy")
		}
		cd, ok := pd.(proxy.ContextDialer)
		if !ok {
			return nil, errors.Errorf("client: proxy %s does not support contexts", pu.Redacted())
		}
		d.net = cd
	}
	if cfg.TLSConfig != nil {
		d.tls = cfg.TLSConfig.Clone()
	} else {
		d.tls = &tls.Config{}
	}
	if cfg.InsecureSkipVerify {
		d.tls.InsecureSkipVerify = true
	}
	d.tls.NextProtos = []string{"http/1.1"}
	return d, nil
}

// dial opens a connection for key and performs the TLS handshake for https.
func (d *dialer) dial(ctx context.Context, key poolKey) (net.Conn, error) {
	ctx, done := context.WithTimeout(ctx, d.timeout)
	defer done()
	conn, err := d.net.DialContext(ctx, "tcp", key.addr())
	if err != nil {
		return nil, dialError(ctx, key, err)
	}
	if key.scheme != "https" {
		return conn, nil
	}
	cfg := d.tls.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = key.host
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, dialError(ctx, key, err)
		}
		return nil, errkind.New(errkind.TLSFailed, "dial "+key.String(), err)
	}
	return tc, nil
}

// dialError prefers a cancellation reason carried by ctx over the socket
// error. An expired dial timeout is a connection failure.
func dialError(ctx context.Context, key poolKey, err error) error {
	if cause := context.Cause(ctx); cause != nil && errkind.KindOf(cause) != errkind.Unknown {
		return cause
	}
	return errkind.New(errkind.ConnectionFailed, "dial "+key.String(), err)
}
