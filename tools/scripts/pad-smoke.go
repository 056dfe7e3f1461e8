// Package main provides a CI-friendly smoke test for a server's pad channel.
//
// It connects as a pad and validates:
//   - handshake + credential subprotocol selection
//   - a heartbeat frame within the liveness window
//   - every frame received during -watch decodes as a known event
//
// With -push-url it also asks a padsim admin surface to send a show event and
// waits for the matching frame.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "sigpad/shared/contracts/pad/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	livenessWindow = 30 * time.Second
	maxReadBytes   = 64 << 10
)

type smokeClient struct {
	conn   *websocket.Conn
	frames chan v1.RemoteEvent
	errCh  chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		padID   = flag.String("pad", "", "pad UUID to present (random when empty)")
		pushURL = flag.String("push-url", "", "padsim base URL; pushes a show event when set")
		subject = flag.String("subject", "0000000123", "subject id for the pushed show event")
		timeout = flag.Duration("timeout", 7*time.Second, "handshake and push timeout")
		watch   = flag.Duration("watch", livenessWindow+5*time.Second, "how long to wait for a heartbeat")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*padID) == "" {
		*padID = uuid.NewString()
	} else if _, err := uuid.Parse(*padID); err != nil {
		fatalf("invalid -pad: %v", err)
	}

	root := context.Background()
	c := mustConnect(root, *wsURL, *padID, *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: pad=%s url=%s\n", *padID, *wsURL)
	}

	mustReadUntil(root, c, *watch, *verbose, func(e v1.RemoteEvent) bool {
		_, ok := e.(v1.Heartbeat)
		return ok
	}, "heartbeat")

	if *pushURL != "" {
		mustPushShow(root, *pushURL, *padID, *subject, *timeout)
		mustReadUntil(root, c, *timeout, *verbose, func(e v1.RemoteEvent) bool {
			p, ok := e.(v1.Present)
			return ok && p.SubjectRef == *subject
		}, "show "+*subject)
	}

	fmt.Println("OK")
}

func validateWSURL(raw string) error {
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
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, padID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: v1.Subprotocols(padID),
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.SubprotocolCredential {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.SubprotocolCredential)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:   conn,
		frames: make(chan v1.RemoteEvent, 64),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.frames)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			e, err := v1.Decode(data)
			if err != nil {
				c.fail(fmt.Errorf("bad frame %q: %w", data, err))
				return
			}
			select {
			case c.frames <- e:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustReadUntil(parent context.Context, c *smokeClient, wait time.Duration, verbose bool, match func(v1.RemoteEvent) bool, what string) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s after %s", what, wait)
		case err := <-c.errCh:
			fatalf("read: %v", err)
		case e, ok := <-c.frames:
			if !ok {
				fatalf("channel closed while waiting for %s", what)
			}
			if verbose {
				fmt.Printf("frame: %T %+v\n", e, e)
			}
			if match(e) {
				return
			}
		}
	}
}

func mustPushShow(parent context.Context, base, padID, subject string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u := strings.TrimRight(base, "/") + "/admin/pads/" + url.PathEscape(padID) + "/" + v1.EventShow +
		"?message=" + url.QueryEscape(subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		fatalf("push request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("push: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		fatalf("push: unexpected status %d", resp.StatusCode)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
