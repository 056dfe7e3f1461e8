package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "sigpad/shared/contracts/pad/v1"

	"github.com/coder/websocket"
)

const (
	// Max bytes per inbound frame.
	maxFrameBytes = 64 << 10

	defaultHandshakeTimeout = 10 * time.Second
	closeGrace              = 2 * time.Second
)

// Channel is one open persistent connection.
type Channel interface {
	// Read blocks for the next inbound frame.
	Read(ctx context.Context) ([]byte, error)
	// Close ends the channel; a pending Read returns an error.
	Close(reason string) error
}

// Dialer opens channels to the server.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context) (Channel, error) { return f(ctx) }

// WSDialer dials the server's WebSocket endpoint, presenting the pad id as
// the second offered subprotocol.
type WSDialer struct {
	URL              string
	PadID            string
	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
}

// ValidateWSURL checks that raw is an absolute ws:// or wss:// URL.
func ValidateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func (d WSDialer) Dial(ctx context.Context) (Channel, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, d.URL, &websocket.DialOptions{
		Subprotocols: v1.Subprotocols(d.PadID),
		HTTPClient:   d.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(maxFrameBytes)
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsChannel) Close(reason string) error {
	done := make(chan error, 1)
	go func() { done <- c.conn.Close(websocket.StatusGoingAway, reason) }()

	select {
	case err := <-done:
		return err
	case <-time.After(closeGrace):
		return c.conn.CloseNow()
	}
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func (k readErrKind) String() string {
	switch k {
	case readErrClose:
		return "peer closed"
	case readErrCtxDone:
		return "context done"
	case readErrConnClosed:
		return "conn closed"
	default:
		return "read failed"
	}
}

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
