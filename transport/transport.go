package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"dagnet/identity"
	"dagnet/logger"
	"dagnet/metrics"
)

// ErrDenied is returned before any cryptographic work when an address falls
// in a denied range.
var ErrDenied = errors.New("address denied by policy")

const (
	backoffStart = 500 * time.Millisecond
	backoffCap   = 30 * time.Second
)

// Config carries the transport knobs; the node builds it from the startup
// configuration and never mutates it afterwards.
type Config struct {
	MaxFrameBytes int
	QueueBound    int
	IdleTimeout   time.Duration
	DialTimeout   time.Duration
	DialRetries   int
	Allow         []*net.IPNet
	Deny          []*net.IPNet
	ProxyAddr     string // optional SOCKS5 proxy, transparent to callers
}

// ParseCIDRs converts configured CIDR strings.
func ParseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// Transport owns session creation: dialing, listening, the handshake and
// the address policy. Sessions it hands out are exclusively owned by it
// until Close.
type Transport struct {
	id  *identity.Identity
	cfg Config
}

func New(id *identity.Identity, cfg Config) *Transport {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Transport{id: id, cfg: cfg}
}

// Allowed checks the deny-list, with allow-list override. Runs before the
// handshake so denied peers never cost cryptographic work.
func (t *Transport) Allowed(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Hostnames are resolved by the dialer; policy applies to IPs.
		return true
	}
	for _, n := range t.cfg.Allow {
		if n.Contains(ip) {
			return true
		}
	}
	for _, n := range t.cfg.Deny {
		if n.Contains(ip) {
			return false
		}
	}
	return true
}

// Dial opens, authenticates and frames a session to addr. When a proxy is
// configured the connection is tunnelled through it under the same contract.
func (t *Transport) Dial(ctx context.Context, addr string) (*Session, error) {
	if !t.Allowed(addr) {
		return nil, ErrDenied
	}

	conn, err := t.dialConn(ctx, addr)
	if err != nil {
		metrics.DialFailures.Inc()
		return nil, err
	}
	res, err := handshake(conn, t.id, true, t.cfg.DialTimeout)
	if err != nil {
		conn.Close()
		metrics.DialFailures.Inc()
		return nil, err
	}
	return newSession(conn, res.peer, res.peerKey, res.keys, t.cfg)
}

func (t *Transport) dialConn(ctx context.Context, addr string) (net.Conn, error) {
	if t.cfg.ProxyAddr != "" {
		socks, err := proxy.SOCKS5("tcp", t.cfg.ProxyAddr, nil, &net.Dialer{Timeout: t.cfg.DialTimeout})
		if err != nil {
			return nil, err
		}
		if cd, ok := socks.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", addr)
		}
		return socks.Dial("tcp", addr)
	}
	d := &net.Dialer{Timeout: t.cfg.DialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Redial retries Dial with exponential backoff capped at backoffCap.
// Authentication and policy failures are terminal for the address; only
// transient I/O errors consume the retry budget.
func (t *Transport) Redial(ctx context.Context, addr string) (*Session, error) {
	wait := backoffStart
	var lastErr error
	for attempt := 0; attempt <= t.cfg.DialRetries; attempt++ {
		sess, err := t.Dial(ctx, addr)
		if err == nil {
			return sess, nil
		}
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrDenied) {
			return nil, err
		}
		lastErr = err
		logger.Logger.Debug("dial failed, backing off",
			zap.String("addr", addr), zap.Duration("wait", wait), zap.Error(err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		wait *= 2
		if wait > backoffCap {
			wait = backoffCap
		}
	}
	return nil, fmt.Errorf("dial %s: retry budget exhausted: %w", addr, lastErr)
}

// Listener accepts inbound sessions until closed.
type Listener struct {
	ln       net.Listener
	sessions chan *Session
	done     chan struct{}
}

// Sessions streams successfully handshaken inbound sessions.
func (l *Listener) Sessions() <-chan *Session { return l.sessions }

// Addr is the bound address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting; already-open sessions are unaffected.
func (l *Listener) Close() error {
	close(l.done)
	return l.ln.Close()
}

// Listen binds and starts the accept loop. Denied remote addresses are
// dropped before the handshake.
func (t *Transport) Listen(bind string) (*Listener, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, err
	}
	l := &Listener{ln: ln, sessions: make(chan *Session, 8), done: make(chan struct{})}
	go t.acceptLoop(l)
	return l, nil
}

func (t *Transport) acceptLoop(l *Listener) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		if !t.Allowed(conn.RemoteAddr().String()) {
			logger.Logger.Warn("refused denied address", zap.String("addr", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		go func(conn net.Conn) {
			res, err := handshake(conn, t.id, false, t.cfg.DialTimeout)
			if err != nil {
				logger.Logger.Debug("inbound handshake failed",
					zap.String("addr", conn.RemoteAddr().String()), zap.Error(err))
				conn.Close()
				return
			}
			sess, err := newSession(conn, res.peer, res.peerKey, res.keys, t.cfg)
			if err != nil {
				conn.Close()
				return
			}
			select {
			case l.sessions <- sess:
			case <-l.done:
				sess.Close()
			}
		}(conn)
	}
}
