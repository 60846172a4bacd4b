// Package forwarder implements the upstream resolvers: a direct one that
// talks plain DNS and a tunneled one that sends DNS over TCP through a SOCKS5
// proxy such as Tor.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/singleflight"

	"tordnsd/pkg/config"
	"tordnsd/pkg/logging"
)

var (
	// ErrNoUpstreams is returned when a forwarder has no servers to ask
	ErrNoUpstreams = errors.New("no upstream DNS servers configured")

	// ErrEmptyResponse is returned when an upstream answers with nothing usable
	ErrEmptyResponse = errors.New("empty response from upstream")
)

// Resolver names, also used as metric and log labels.
const (
	NameDirect = "direct"
	NameTunnel = "tunnel"
)

// Forwarder resolves questions against an ordered list of upstream servers.
// Servers are tried in order and share one overall timeout; the first usable
// response wins.
type Forwarder struct {
	name      string
	upstreams []string
	timeout   time.Duration
	logger    *logging.Logger

	// exactly one of client or dialer is set
	client *dns.Client
	dialer proxy.ContextDialer

	inflight singleflight.Group
}

// NewDirect creates a forwarder that queries its upstreams without a proxy.
func NewDirect(cfg *config.DirectConfig, logger *logging.Logger) (*Forwarder, error) {
	if len(cfg.Servers) == 0 {
		return nil, ErrNoUpstreams
	}

	network := cfg.Net
	if network == "" {
		network = "udp"
	}

	f := &Forwarder{
		name:      NameDirect,
		upstreams: append([]string(nil), cfg.Servers...),
		timeout:   cfg.Timeout.Duration(),
		logger:    logger,
		client: &dns.Client{
			Net:     network,
			Timeout: cfg.Timeout.Duration(),
		},
	}

	logger.Info("Direct forwarder initialized",
		"upstreams", f.upstreams,
		"net", network,
		"timeout", f.timeout,
	)
	return f, nil
}

// NewTunnel creates a forwarder that reaches its upstreams with DNS over TCP
// through the configured SOCKS5 proxy.
func NewTunnel(cfg *config.TunnelConfig, logger *logging.Logger) (*Forwarder, error) {
	if len(cfg.Servers) == 0 {
		return nil, ErrNoUpstreams
	}

	var auth *proxy.Auth
	if cfg.Username != "" {
		auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
	}

	d, err := proxy.SOCKS5("tcp", cfg.SocksAddress, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", cfg.SocksAddress, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", cfg.SocksAddress)
	}

	f := &Forwarder{
		name:      NameTunnel,
		upstreams: append([]string(nil), cfg.Servers...),
		timeout:   cfg.Timeout.Duration(),
		logger:    logger,
		dialer:    cd,
	}

	logger.Info("Tunnel forwarder initialized",
		"upstreams", f.upstreams,
		"socks", cfg.SocksAddress,
		"auth", auth != nil,
		"timeout", f.timeout,
	)
	return f, nil
}

// Name returns "direct" or "tunnel".
func (f *Forwarder) Name() string {
	return f.name
}

// Upstreams returns the list of configured upstream servers
func (f *Forwarder) Upstreams() []string {
	return f.upstreams
}

// Resolve asks the upstreams for (name, qtype, qclass). Concurrent calls for
// the same question share one upstream exchange. The caller's context bounds
// how long it waits; the shared exchange is bounded by the forwarder timeout.
func (f *Forwarder) Resolve(ctx context.Context, name string, qtype, qclass uint16) (*dns.Msg, error) {
	if len(f.upstreams) == 0 {
		return nil, ErrNoUpstreams
	}

	key := name + "/" + strconv.Itoa(int(qtype)) + "/" + strconv.Itoa(int(qclass))
	ch := f.inflight.DoChan(key, func() (any, error) {
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		return f.exchange(exchangeCtx, name, qtype, qclass)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := res.Val.(*dns.Msg)
		if res.Shared {
			resp = resp.Copy()
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// exchange tries each upstream in order until one gives a usable response.
func (f *Forwarder) exchange(ctx context.Context, name string, qtype, qclass uint16) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.Question[0].Qclass = qclass
	req.RecursionDesired = true

	var lastErr error
	for i, upstream := range f.upstreams {
		if ctx.Err() != nil {
			break
		}

		attemptCtx, cancel := f.attemptContext(ctx, len(f.upstreams)-i)
		start := time.Now()
		resp, err := f.exchangeOne(attemptCtx, req, upstream)
		cancel()

		if err != nil {
			f.logger.Warn("Upstream query failed",
				"resolver", f.name,
				"upstream", upstream,
				"domain", name,
				"error", err,
				"attempt", i+1,
			)
			lastErr = err
			continue
		}

		if resp.Rcode == dns.RcodeServerFailure {
			f.logger.Warn("Upstream returned SERVFAIL",
				"resolver", f.name,
				"upstream", upstream,
				"domain", name,
			)
			lastErr = fmt.Errorf("upstream %s returned SERVFAIL", upstream)
			continue
		}

		f.logger.Debug("Upstream query succeeded",
			"resolver", f.name,
			"upstream", upstream,
			"domain", name,
			"rtt", time.Since(start),
			"answers", len(resp.Answer),
		)
		return resp, nil
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, fmt.Errorf("all %s upstream servers failed: %w", f.name, lastErr)
}

// attemptContext splits what is left of the overall deadline evenly across
// the remaining upstreams so one unresponsive server cannot use all of it.
func (f *Forwarder) attemptContext(ctx context.Context, remaining int) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || remaining <= 1 {
		return context.WithCancel(ctx)
	}
	slice := time.Until(deadline) / time.Duration(remaining)
	return context.WithTimeout(ctx, slice)
}

func (f *Forwarder) exchangeOne(ctx context.Context, req *dns.Msg, upstream string) (*dns.Msg, error) {
	var (
		resp *dns.Msg
		err  error
	)
	if f.dialer != nil {
		resp, err = f.exchangeTunnel(ctx, req, upstream)
	} else {
		resp, _, err = f.client.ExchangeContext(ctx, req, upstream)
		if err == nil && resp != nil && resp.Truncated && f.client.Net == "udp" {
			tcp := &dns.Client{Net: "tcp", Timeout: f.timeout}
			resp, _, err = tcp.ExchangeContext(ctx, req, upstream)
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmptyResponse, upstream)
	}
	return resp, nil
}

// exchangeTunnel sends req over a TCP connection dialed through the proxy.
func (f *Forwarder) exchangeTunnel(ctx context.Context, req *dns.Msg, upstream string) (*dns.Msg, error) {
	conn, err := f.dialer.DialContext(ctx, "tcp", upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s through proxy: %w", upstream, err)
	}
	co := &dns.Conn{Conn: conn}
	defer func() { _ = co.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = co.SetDeadline(deadline)
	}
	// Unblock the read if the context is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := co.WriteMsg(req); err != nil {
		return nil, fmt.Errorf("failed to write query to %s: %w", upstream, err)
	}
	for {
		resp, err := co.ReadMsg()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read response from %s: %w", upstream, err)
		}
		if resp.Id == req.Id {
			return resp, nil
		}
	}
}
