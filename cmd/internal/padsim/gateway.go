package padsim

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"sigpad/cmd/internal/ids"
	v1 "sigpad/shared/contracts/pad/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	defaultSendQueue      = 32
	defaultHeartbeatEvery = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	closeGrace            = time.Second
	maxInboundFrameBytes  = 4 << 10
)

// Gateway is the WebSocket entrypoint pads connect to.
//
// Pads authenticate by offering the subprotocols ["SIGNATURE_PAD_UUID", <pad uuid>].
// The gateway selects the credential protocol, registers the pad with the Hub,
// and sends an application heartbeat frame every HeartbeatEvery.
type Gateway struct {
	log *slog.Logger
	hub *Hub

	heartbeatEvery time.Duration
	writeTimeout   time.Duration
	sendQueueSize  int
}

// NewGateway constructs a Gateway over hub. A zero heartbeat disables heartbeat frames.
func NewGateway(log *slog.Logger, hub *Hub, heartbeatEvery time.Duration) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	return &Gateway{
		log:            log,
		hub:            hub,
		heartbeatEvery: heartbeatEvery,
		writeTimeout:   defaultWriteTimeout,
		sendQueueSize:  defaultSendQueue,
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades a pad connection and runs it until either side closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	padID, err := padFromSubprotocols(r.Header.Values("Sec-WebSocket-Protocol"))
	if err != nil {
		g.log.Info("padsim.ws.reject", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "pad credential required", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{v1.SubprotocolCredential},
	})
	if err != nil {
		g.log.Error("padsim.ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.SubprotocolCredential {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxInboundFrameBytes)

	connID, err := ids.NewSessionID(time.Now())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "id")
		return
	}
	pad := NewPad(padID, connID, g.sendQueueSize)

	// Pads never send data frames; CloseRead handles close and ping frames.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(pad)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.hub.Join(pad)

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		if g.heartbeatEvery <= 0 {
			return
		}
		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pad.Done():
				return
			case now := <-t.C:
				pad.offer(v1.NewFrame(v1.EventHeartbeat, "", now))
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			shutdown(websocket.StatusNormalClosure, "bye")
			break loop
		case <-pad.Done():
			shutdown(websocket.StatusGoingAway, "kicked")
			break loop
		case f := <-pad.Send:
			wctx, wcancel := context.WithTimeout(ctx, g.writeTimeout)
			err := wsjson.Write(wctx, conn, f)
			wcancel()
			if err != nil {
				g.log.Info("padsim.ws.write.fail", "pad_id", padID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				break loop
			}
		}
	}

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// padFromSubprotocols returns the pad UUID offered next to the credential marker.
func padFromSubprotocols(headers []string) (string, error) {
	var offered []string
	for _, h := range headers {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				offered = append(offered, p)
			}
		}
	}
	if len(offered) < 2 || offered[0] != v1.SubprotocolCredential {
		return "", errors.New("credential subprotocol not offered")
	}
	id, err := uuid.Parse(offered[1])
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
