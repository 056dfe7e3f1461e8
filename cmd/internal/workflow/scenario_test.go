package workflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"sigpad/cmd/internal/capture"
	"sigpad/cmd/internal/connection"
	"sigpad/cmd/internal/device/devicetest"
	"sigpad/cmd/internal/display/displaytest"
	"sigpad/cmd/internal/gateway"
	"sigpad/cmd/internal/identity"
	"sigpad/cmd/internal/signing"
	v1 "sigpad/shared/contracts/pad/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capabilityServer is an httptest stand-in for the pad's server.
type capabilityServer struct {
	*httptest.Server

	submitStatus int
	submitBody   string

	mu      sync.Mutex
	photos  []string
	submits []string
}

func newCapabilityServer(t *testing.T, submitStatus int, submitBody string) *capabilityServer {
	t.Helper()

	cs := &capabilityServer{submitStatus: submitStatus, submitBody: submitBody}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("userid") != ada.UID {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ada)
	})
	mux.HandleFunc("POST /api/v1/signature-pad/photo", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.photos = append(cs.photos, r.FormValue("side"))
		cs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/v1/signature-pad/signature", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.submits = append(cs.submits, string(b))
		cs.mu.Unlock()
		w.WriteHeader(cs.submitStatus)
		_, _ = io.WriteString(w, cs.submitBody)
	})
	cs.Server = httptest.NewServer(mux)
	t.Cleanup(cs.Close)
	return cs
}

func (cs *capabilityServer) tokens() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.submits...)
}

func runScenario(t *testing.T, cs *capabilityServer) (*Workflow, *displaytest.Recorder) {
	t.Helper()

	dev := devicetest.Identity(t, devicetest.PadID, "pad-7")
	client, err := gateway.New(cs.URL, dev.PadID)
	require.NoError(t, err)

	rec := &displaytest.Recorder{}
	w := New(Config{RequirePhotos: true}, Deps{
		Device:    dev,
		Resolver:  identity.NewResolver(client, nil),
		Photos:    client,
		Cancels:   client,
		Signer:    signing.NewSigner(dev),
		Submitter: signing.NewSubmitter(client, nil),
		Sink:      rec,
		Surface:   rec,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})
	w.Start(ctx)

	w.OnConnection(connection.StateChange{From: connection.Connecting, To: connection.Connected})
	w.HandleRemote(v1.Present{SubjectRef: "0000000123"})
	waitState(t, w, AwaitingPhotos)

	w.UploadPhoto(capture.Front, photo)
	waitUploadSettled(t, w, capture.Front)
	assert.Equal(t, AwaitingPhotos, w.Status().State)
	w.UploadPhoto(capture.Back, photo)
	waitState(t, w, AwaitingSignature)

	w.Confirm(drawn)
	return w, rec
}

func TestScenario_AcceptedSubmissionCompletes(t *testing.T) {
	t.Parallel()

	cs := newCapabilityServer(t, http.StatusOK, "")
	w, rec := runScenario(t, cs)

	st := waitState(t, w, Completed)
	assert.Equal(t, connection.Connected, st.Connection, "channel unaffected")
	assert.Equal(t, []string{
		"standby", "identifying", "awaiting_photos", "awaiting_photos",
		"awaiting_signature", "submitting", "completed",
	}, rec.States())

	tokens := cs.tokens()
	require.Len(t, tokens, 1)

	key, err := devicetest.Identity(t, devicetest.PadID, "pad-7").SigningKey()
	require.NoError(t, err)
	a, err := signing.Verify(tokens[0], key.Public(), key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, devicetest.PadID, a.Issuer)
	assert.Equal(t, "pad-7", a.PadLabel)
	assert.Equal(t, "0000000123", a.SubjectID)
	assert.Equal(t, "Ada Lovelace", a.SubjectName)
}

func TestScenario_RejectedSubmissionShownVerbatimWithoutRetry(t *testing.T) {
	t.Parallel()

	cs := newCapabilityServer(t, http.StatusInternalServerError, "signature rejected")
	w, rec := runScenario(t, cs)

	waitState(t, w, Standby)
	assert.Contains(t, rec.States(), "submitting")

	n, ok := rec.LastNotice()
	require.True(t, ok)
	assert.Equal(t, "signature rejected", n.Text)

	w.Confirm(drawn)
	inspect(t, w, func() {})
	assert.Never(t, func() bool { return len(cs.tokens()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Len(t, cs.tokens(), 1)
	assert.Equal(t, Standby, w.Status().State)
}
