package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
)

// ConnState is the lifecycle state of the connection held by a Client.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnOpen
	ConnClosed
	ConnErrored
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosed:
		return "closed"
	case ConnErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// TokenQueryParam is the query parameter carrying the bearer credential.
const TokenQueryParam = "token"

const defaultReadLimit = 4 << 20 // 4MB, the complete frame carries the whole artifact

// CredentialResolver supplies the opaque bearer credential for a connection.
type CredentialResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// ReconnectPolicy controls opt-in bounded retry of the dial.
type ReconnectPolicy struct {
	Enabled         bool
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// Config holds Client configuration.
type Config struct {
	URL              string
	DialTimeout      time.Duration
	IdleTimeout      time.Duration
	MaxReorderWindow int
	ReadLimit        int64
	Reconnect        ReconnectPolicy
	HTTPClient       *http.Client
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws/nutrition/stream",
		DialTimeout:      10 * time.Second,
		IdleTimeout:      60 * time.Second,
		MaxReorderWindow: DefaultMaxReorderWindow,
		ReadLimit:        defaultReadLimit,
		Reconnect: ReconnectPolicy{
			MaxAttempts:     5,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			MaxElapsed:      time.Minute,
		},
	}
}

// Client owns one persistent connection to the analysis service and at most
// one active Session on it. It is the only code that touches the underlying
// websocket.Conn.
type Client struct {
	cfg      Config
	creds    CredentialResolver
	logger   *slog.Logger
	observer Observer

	sendMu sync.Mutex

	mu          sync.Mutex
	state       ConnState
	conn        *websocket.Conn
	cancel      context.CancelFunc
	dialCancel  context.CancelFunc
	session     *Session
	userClosed  bool
	closeReason *Error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver sets the instrumentation observer.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewClient creates an idle client. No I/O happens until Open.
func NewClient(cfg Config, creds CredentialResolver, opts ...ClientOption) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.MaxReorderWindow <= 0 {
		cfg.MaxReorderWindow = def.MaxReorderWindow
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.Reconnect.InitialInterval <= 0 {
		cfg.Reconnect.InitialInterval = def.Reconnect.InitialInterval
	}
	if cfg.Reconnect.MaxInterval <= 0 {
		cfg.Reconnect.MaxInterval = def.Reconnect.MaxInterval
	}

	c := &Client{
		cfg:      cfg,
		creds:    creds,
		logger:   slog.Default(),
		observer: nopObserver{},
		state:    ConnIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the session currently bound to the connection, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setStateLocked(state ConnState) {
	if c.state == state {
		return
	}
	from := c.state
	c.state = state
	c.observer.ConnectionStateChanged(from, state)
}

// Open resolves a credential and establishes the connection. Without a
// credential it fails with KindUnauthenticated before any network I/O.
// Opening an already open client is a no-op; opening while a reconnect dial
// is in flight fails with a retryable KindTransport.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	c.userClosed = false
	c.mu.Unlock()
	return c.open(ctx, false)
}

func (c *Client) open(ctx context.Context, reconnecting bool) error {
	c.mu.Lock()
	switch {
	case reconnecting && c.userClosed:
		c.mu.Unlock()
		return newError(KindCancelled, "client closed before reconnect", nil)
	case c.state == ConnOpen:
		c.mu.Unlock()
		return nil
	case c.state == ConnConnecting:
		// A reconnect dial is in flight; the caller may retry once it settles.
		c.mu.Unlock()
		return newError(KindTransport, "connection is already opening", nil)
	}
	c.mu.Unlock()

	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}
	target, err := c.dialURL(token)
	if err != nil {
		return err
	}

	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()

	c.mu.Lock()
	if reconnecting && c.userClosed {
		c.mu.Unlock()
		return newError(KindCancelled, "client closed before reconnect", nil)
	}
	c.setStateLocked(ConnConnecting)
	c.dialCancel = dialCancel
	c.mu.Unlock()

	conn, err := c.dialWithRetry(dialCtx, target)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialCancel = nil
	if c.state != ConnConnecting {
		// Closed while dialing.
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		}
		return newError(KindCancelled, "connection closed while opening", nil)
	}
	if err != nil {
		c.setStateLocked(ConnErrored)
		var streamErr *Error
		if errors.As(err, &streamErr) {
			return streamErr
		}
		return newError(KindTransport, "open connection", err)
	}

	conn.SetReadLimit(c.cfg.ReadLimit)
	connCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.closeReason = nil
	c.setStateLocked(ConnOpen)
	c.logger.Info("Analysis connection open", "url", c.cfg.URL, "reconnect", reconnecting)

	go c.readLoop(connCtx, conn)
	if c.cfg.IdleTimeout > 0 {
		go c.watchIdle(connCtx, conn)
	}
	return nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	if c.creds == nil {
		return "", newError(KindUnauthenticated, "no credential resolver configured", nil)
	}
	token, err := c.creds.Resolve(ctx)
	if err != nil {
		return "", newError(KindUnauthenticated, "resolve credential", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", newError(KindUnauthenticated, "empty credential", nil)
	}
	return token, nil
}

func (c *Client) dialURL(token string) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", newError(KindInvalidRequest, "parse analysis url", err)
	}
	q := u.Query()
	q.Set(TokenQueryParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dialOnce(ctx context.Context, target string) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, target, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, newError(KindUnauthenticated, fmt.Sprintf("credential rejected with status %d", resp.StatusCode), err)
		}
		return nil, newError(KindTransport, "dial analysis service", err)
	}
	return conn, nil
}

func (c *Client) dialWithRetry(ctx context.Context, target string) (*websocket.Conn, error) {
	policy := c.cfg.Reconnect
	if !policy.Enabled {
		return c.dialOnce(ctx, target)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval
	eb.MaxElapsedTime = policy.MaxElapsed

	var b backoff.BackOff = eb
	if policy.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, policy.MaxAttempts)
	}

	var conn *websocket.Conn
	op := func() error {
		cn, err := c.dialOnce(ctx, target)
		if err != nil {
			if KindOf(err) == KindUnauthenticated || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("Analysis connection dial failed, retrying", "error", err, "next_attempt_in", next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// Send transmits the single request of s and moves it to Streaming. It is
// rejected with KindInvalidRequest, without transmitting, when the barcode is
// empty after trimming, no connection is open, or a session is already
// streaming on this connection.
func (c *Client) Send(ctx context.Context, s *Session) error {
	if s == nil {
		return newError(KindInvalidRequest, "nil session", nil)
	}
	payload, err := s.encode()
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.state != ConnOpen || c.conn == nil {
		c.mu.Unlock()
		return newError(KindInvalidRequest, "no open connection", nil)
	}
	prev := c.session
	if prev != nil && prev != s && prev.State() == StateStreaming {
		c.mu.Unlock()
		return newError(KindInvalidRequest, "another analysis is streaming on this connection", nil)
	}
	s.attach(c.observer, c.logger)
	// Streaming is entered before the write so the read loop never sees a
	// response for a session that is not yet streaming.
	if err := s.start(time.Now()); err != nil {
		c.mu.Unlock()
		return err
	}
	c.session = s
	conn := c.conn
	c.mu.Unlock()

	if prev != nil && prev != s {
		prev.terminate(nil)
	}

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		sendErr := newError(KindTransport, "send analysis request", err)
		s.terminate(sendErr)
		return sendErr
	}
	return nil
}

// Analyze creates a session for barcode and sends it. The session is
// returned even when sending fails so callers can inspect its state.
func (c *Client) Analyze(ctx context.Context, barcode string, prefs *Preferences, listener Listener, opts ...SessionOption) (*Session, error) {
	opts = append([]SessionOption{
		WithSessionLogger(c.logger),
		WithReorderWindow(c.cfg.MaxReorderWindow),
	}, opts...)
	s := NewSession(barcode, prefs, listener, opts...)
	return s, c.Send(ctx, s)
}

// Close tears the connection down. A streaming session fails with
// KindCancelled before Close returns and receives no further events.
// Closing an already closed client is a no-op. Close may be called from a
// listener callback.
func (c *Client) Close() error {
	c.mu.Lock()
	c.userClosed = true
	switch c.state {
	case ConnConnecting:
		c.setStateLocked(ConnClosed)
		if c.dialCancel != nil {
			c.dialCancel()
		}
		c.mu.Unlock()
		return nil
	case ConnOpen:
	default:
		c.mu.Unlock()
		return nil
	}

	conn := c.conn
	s := c.session
	cancel := c.cancel
	c.conn = nil
	c.session = nil
	c.cancel = nil
	c.setStateLocked(ConnClosed)
	c.mu.Unlock()

	if s != nil {
		s.terminate(newError(KindCancelled, "connection closed by client", nil))
	}
	if err := conn.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
		c.logger.Debug("Analysis connection close handshake failed", "error", err)
	}
	cancel()
	c.logger.Info("Analysis connection closed")
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if typ != websocket.MessageText {
			c.logger.Debug("Discarding non-text frame", "type", typ.String())
			continue
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			c.logger.Warn("Discarding malformed frame", "error", err, "size", len(data))
			continue
		}

		c.mu.Lock()
		s := c.session
		stale := c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}
		if s == nil {
			c.logger.Debug("Frame received with no session", "type", msg.RawType, "content", msg.Payload)
			continue
		}
		s.Apply(msg)
	}
}

// handleDisconnect runs when the read loop of conn ends on its own.
func (c *Client) handleDisconnect(conn *websocket.Conn, readErr error) {
	c.mu.Lock()
	if c.conn != conn {
		// Torn down by Close; nothing left to do.
		c.mu.Unlock()
		return
	}

	reason := c.closeReason
	remoteClose := websocket.CloseStatus(readErr) != -1
	if reason == nil {
		reason = newError(KindTransport, "connection closed unexpectedly", readErr)
	}
	if remoteClose || reason.Kind == KindTimeout {
		c.setStateLocked(ConnClosed)
	} else {
		c.setStateLocked(ConnErrored)
	}
	s := c.session
	cancel := c.cancel
	c.conn = nil
	c.session = nil
	c.cancel = nil
	reconnect := c.cfg.Reconnect.Enabled && !c.userClosed
	c.mu.Unlock()

	cancel()
	if remoteClose {
		c.logger.Info("Analysis connection closed by server", "status", websocket.CloseStatus(readErr).String())
	} else {
		c.logger.Warn("Analysis connection lost", "error", readErr)
	}
	if s != nil {
		s.terminate(reason)
	}

	if reconnect {
		go func() {
			if err := c.open(context.Background(), true); err != nil {
				c.logger.Warn("Analysis connection reconnect failed", "error", err)
			}
		}()
	}
}

// watchIdle fails a stalled streaming session and tears the connection down
// so late frames of the abandoned analysis cannot reach a later session.
func (c *Client) watchIdle(ctx context.Context, conn *websocket.Conn) {
	interval := c.cfg.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			if c.conn != conn {
				c.mu.Unlock()
				return
			}
			s := c.session
			c.mu.Unlock()
			if s == nil {
				continue
			}
			since, streaming := s.idleSince()
			if !streaming || now.Sub(since) < c.cfg.IdleTimeout {
				continue
			}

			timeoutErr := newError(KindTimeout, fmt.Sprintf("no frame received for %s", c.cfg.IdleTimeout), nil)
			c.mu.Lock()
			c.closeReason = timeoutErr
			c.mu.Unlock()
			s.terminate(timeoutErr)
			if err := conn.Close(websocket.StatusPolicyViolation, "stream idle timeout"); err != nil {
				c.logger.Debug("Idle connection close failed", "error", err)
			}
			return
		}
	}
}
