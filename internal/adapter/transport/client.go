// Package transport connects a session controller to a central system over
// WebSocket and provides Sender middleware for rate limiting and circuit
// breaking.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"

	"ocpp-rpc/internal/domain"
)

// Default client settings.
const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
)

// Session is the side of the controller the client drives. Received is called
// from the read loop and must not wait on replies that loop has yet to read.
type Session interface {
	Connected(version string) error
	Disconnected()
	Received(ctx context.Context, raw []byte) error
}

// Config describes how to reach the central system.
type Config struct {
	// URL is the central system endpoint; the station id is appended as the
	// last path segment.
	URL       string
	StationID string
	// Version is passed to Session.Connected once the socket is open.
	Version string
	// Subprotocol is offered during the handshake, e.g. "ocpp1.6". When set,
	// the server must accept it.
	Subprotocol  string
	Username     string
	Password     string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
}

// Client is a WebSocket connection to a central system. It implements
// domain.Sender; frames written while no connection is open fail with
// domain.ErrDisconnected.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	conn *websocket.Conn
}

var _ domain.Sender = (*Client)(nil)

// NewClient creates an unconnected client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &Client{cfg: cfg, logger: logger}
}

// Endpoint returns the URL the client dials.
func (c *Client) Endpoint() string {
	base := strings.TrimRight(c.cfg.URL, "/")
	if c.cfg.StationID == "" {
		return base
	}
	return base + "/" + c.cfg.StationID
}

// Send writes one text frame. version is ignored; the socket was negotiated
// for a single version.
func (c *Client) Send(ctx context.Context, raw []byte, _ string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return domain.NewDomainError("Client.Send", domain.ErrDisconnected, "no open connection")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Run dials once, marks session connected, and feeds every inbound frame to
// it until the connection drops or ctx ends. session.Disconnected is called
// before Run returns if Connected succeeded.
func (c *Client) Run(ctx context.Context, session Session) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	// The connection is published first so that anything reacting to
	// Connected can already send.
	c.setConn(conn)
	if err := session.Connected(c.cfg.Version); err != nil {
		c.setConn(nil)
		conn.Close(websocket.StatusProtocolError, "unsupported version")
		return err
	}

	c.logger.Info("connected to central system", "url", c.Endpoint(), "subprotocol", conn.Subprotocol())

	defer func() {
		c.setConn(nil)
		session.Disconnected()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	return c.readLoop(ctx, conn, session)
}

// Serve calls Run until ctx ends, reconnecting with exponential backoff.
// It returns ctx.Err() once ctx is done, or the error of a failure that
// reconnecting cannot fix (an unsupported version).
func (c *Client) Serve(ctx context.Context, session Session) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := c.Run(ctx, session)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrUnsupportedVersion) {
			return err
		}
		// A connection that stayed up for a while starts the backoff over.
		if time.Since(started) > b.MaxInterval {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.logger.Warn("connection lost, reconnecting", "error", err, "wait", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// CheckReachable dials the central system and closes the connection again,
// without starting a session. Credentials and the subprotocol are checked too.
func (c *Client) CheckReachable(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close(websocket.StatusNormalClosure, "reachability check")
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.cfg.Subprotocol != "" {
		opts.Subprotocols = []string{c.cfg.Subprotocol}
	}
	if c.cfg.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
		opts.HTTPHeader.Set("Authorization", "Basic "+creds)
	}

	conn, _, err := websocket.Dial(dialCtx, c.Endpoint(), opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", c.Endpoint(), err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	if c.cfg.Subprotocol != "" && conn.Subprotocol() != c.cfg.Subprotocol {
		conn.Close(websocket.StatusProtocolError, "subprotocol not accepted")
		return nil, domain.NewDomainError("Client.dial", domain.ErrUnsupportedVersion,
			fmt.Sprintf("server did not accept subprotocol %q", c.cfg.Subprotocol))
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, session Session) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", "size", len(data))
			continue
		}
		if err := session.Received(ctx, data); err != nil {
			c.logger.Warn("inbound frame failed", "error", err, "code", domain.ErrorCodeOf(err))
		}
	}
}
