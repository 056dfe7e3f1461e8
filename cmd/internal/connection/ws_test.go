package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "sigpad/shared/contracts/pad/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPadID = "6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f"

func contextWithCancel() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// padServer accepts pad connections and pushes whatever frames the test queues.
type padServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	offered []string
	frames  chan v1.Frame
	raw     chan string
	kick    chan struct{}
}

func newPadServer(t *testing.T) *padServer {
	t.Helper()

	ps := &padServer{
		frames: make(chan v1.Frame, 16),
		raw:    make(chan string, 16),
		kick:   make(chan struct{}, 1),
	}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.offered = strings.Split(strings.ReplaceAll(r.Header.Get("Sec-WebSocket-Protocol"), " ", ""), ",")
		ps.mu.Unlock()

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{v1.SubprotocolCredential},
		})
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()

		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case <-ps.kick:
				_ = conn.Close(websocket.StatusGoingAway, "server restart")
				return
			case f := <-ps.frames:
				if err := wsjson.Write(ctx, conn, f); err != nil {
					return
				}
			case s := <-ps.raw:
				if err := conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *padServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http") + "/ws"
}

func TestWSDialer_OffersPadCredentialAndStreamsFrames(t *testing.T) {
	t.Parallel()

	ps := newPadServer(t)
	m := New(WSDialer{URL: ps.wsURL(), PadID: testPadID}, WithClock(newManualClock()))

	events := make(chan v1.RemoteEvent, 8)
	changes := make(chan StateChange, 8)
	m.Subscribe(func(c StateChange) { changes <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); <-m.Done() }()
	m.Connect(ctx, func(e v1.RemoteEvent) { events <- e })

	require.Eventually(t, func() bool { return m.Status() == Connected }, 5*time.Second, 10*time.Millisecond)

	ps.mu.Lock()
	assert.Equal(t, []string{"SIGNATURE_PAD_UUID", testPadID}, ps.offered)
	ps.mu.Unlock()

	now := time.UnixMilli(1700000000000).UTC()
	ps.frames <- v1.NewFrame(v1.EventHeartbeat, "", now)
	ps.raw <- `garbage`
	ps.frames <- v1.NewFrame(v1.EventShow, "0000000123", now)

	got := make([]v1.RemoteEvent, 0, 2)
	for len(got) < 2 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}
	assert.Equal(t, v1.Heartbeat{At: now}, got[0])
	assert.Equal(t, v1.Present{SubjectRef: "0000000123"}, got[1])

	ps.kick <- struct{}{}
	require.Eventually(t, func() bool { return m.Status() == Disconnected }, 5*time.Second, 10*time.Millisecond)
}

func TestValidateWSURL(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateWSURL("wss://pads.example.org/ws"))
	assert.Error(t, ValidateWSURL("https://pads.example.org/ws"))
	assert.Error(t, ValidateWSURL("ws:///ws"))
}
