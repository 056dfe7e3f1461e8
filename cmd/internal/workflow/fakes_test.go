package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"sigpad/cmd/internal/capture"
	"sigpad/cmd/internal/connection"
	"sigpad/cmd/internal/device"
	"sigpad/cmd/internal/device/devicetest"
	"sigpad/cmd/internal/display/displaytest"
	"sigpad/cmd/internal/fault"
	"sigpad/cmd/internal/identity"
	"sigpad/cmd/internal/signing"
	"sigpad/cmd/internal/telemetry"

	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var (
	ada   = identity.Identity{UID: "0000000123", FirstName: "Ada", LastName: "Lovelace", Mail: "ada@example.org"}
	grace = identity.Identity{UID: "0000000456", FirstName: "Grace", LastName: "Hopper"}

	drawn = capture.Signature{PNG: []byte("png"), SVG: []byte("<svg/>"), Strokes: 2}
	photo = capture.Photo{Filename: "card.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}}
)

// directory answers lookups from a fixed set of people; a gate holds a
// lookup until the test closes it.
type directory struct {
	mu      sync.Mutex
	people  map[string]identity.Identity
	gates   map[string]chan struct{}
	lookups int
}

func newDirectory(people ...identity.Identity) *directory {
	d := &directory{people: map[string]identity.Identity{}, gates: map[string]chan struct{}{}}
	for _, p := range people {
		d.people[p.UID] = p
	}
	return d
}

func (d *directory) hold(value string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := make(chan struct{})
	d.gates[value] = g
	return g
}

func (d *directory) LookupIdentity(ctx context.Context, ref identity.SubjectRef) (identity.Identity, error) {
	d.mu.Lock()
	d.lookups++
	gate := d.gates[ref.Value]
	p, ok := d.people[ref.Value]
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return identity.Identity{}, ctx.Err()
		}
	}
	if !ok {
		return identity.Identity{}, fault.OpError{Op: "test.Lookup", Kind: fault.ErrNotFound, Msg: "server error: 404"}
	}
	return p, nil
}

func (d *directory) lookupCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups
}

// server records the capability calls the workflow makes.
type server struct {
	mu         sync.Mutex
	uploads    []capture.Side
	uploadRefs []identity.SubjectRef
	uploadErr  map[capture.Side]error
	cancels    []string
	cancelErr  error
	submits    []string
	submitErr  error
	submitGate chan struct{}
}

func newServer() *server { return &server{uploadErr: map[capture.Side]error{}} }

func (s *server) UploadPhoto(_ context.Context, ref identity.SubjectRef, side capture.Side, _ capture.Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, side)
	s.uploadRefs = append(s.uploadRefs, ref)
	return s.uploadErr[side]
}

func (s *server) CancelSignature(_ context.Context, subjectID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, subjectID)
	return s.cancelErr
}

func (s *server) SubmitSignature(ctx context.Context, token string) error {
	s.mu.Lock()
	gate := s.submitGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, token)
	return s.submitErr
}

func (s *server) setUploadErr(side capture.Side, err error) {
	s.mu.Lock()
	s.uploadErr[side] = err
	s.mu.Unlock()
}

func (s *server) uploadedFor() []identity.SubjectRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]identity.SubjectRef(nil), s.uploadRefs...)
}

func (s *server) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func (s *server) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

func (s *server) cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancels...)
}

type rig struct {
	w       *Workflow
	dir     *directory
	srv     *server
	rec     *displaytest.Recorder
	metrics *telemetry.Metrics
}

type rigOption func(*Config, *Deps)

func withDevice(d device.Identity) rigOption {
	return func(_ *Config, deps *Deps) {
		deps.Device = d
		deps.Signer = signing.NewSigner(d)
	}
}

func withSigner(sg Signer) rigOption {
	return func(_ *Config, deps *Deps) { deps.Signer = sg }
}

func withoutPhotos() rigOption {
	return func(cfg *Config, _ *Deps) { cfg.RequirePhotos = false }
}

// newRig starts a connected workflow backed by in-memory fakes.
func newRig(tb testing.TB, opts ...rigOption) *rig {
	tb.Helper()

	r := &rig{
		dir:     newDirectory(ada, grace),
		srv:     newServer(),
		rec:     &displaytest.Recorder{},
		metrics: telemetry.New(false),
	}
	dev := devicetest.Identity(tb, devicetest.PadID, "pad-7")
	cfg := Config{RequirePhotos: true}
	deps := Deps{
		Device:    dev,
		Resolver:  identity.NewResolver(r.dir, nil),
		Photos:    r.srv,
		Cancels:   r.srv,
		Signer:    signing.NewSigner(dev),
		Submitter: signing.NewSubmitter(r.srv, nil),
		Sink:      r.rec,
		Surface:   r.rec,
		Metrics:   r.metrics,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	r.w = New(cfg, deps)
	ctx, cancel := context.WithCancel(context.Background())
	r.w.Start(ctx)
	tb.Cleanup(func() {
		cancel()
		<-r.w.Done()
	})

	r.w.OnConnection(connection.StateChange{From: connection.Connecting, To: connection.Connected})
	return r
}

// peek runs fn on the workflow loop and reports whether it ran in time.
func peek(w *Workflow, fn func()) bool {
	done := make(chan struct{})
	if !w.post(func(context.Context) {
		fn()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-time.After(waitFor):
		return false
	}
}

func inspect(tb testing.TB, w *Workflow, fn func()) {
	tb.Helper()
	require.True(tb, peek(w, fn), "workflow loop did not respond")
}

func waitState(tb testing.TB, w *Workflow, want State) Status {
	tb.Helper()
	require.Eventually(tb, func() bool { return w.Status().State == want }, waitFor, 2*time.Millisecond,
		"want state %s, have %s", want, w.Status().State)
	return w.Status()
}

// waitUploadSettled blocks until no upload for side is in flight.
func waitUploadSettled(tb testing.TB, w *Workflow, side capture.Side) {
	tb.Helper()
	require.Eventually(tb, func() bool {
		busy := true
		ok := peek(w, func() { busy = w.uploading[side] })
		return ok && !busy
	}, waitFor, 2*time.Millisecond)
}

func (r *rig) presentAndIdentify(tb testing.TB, subject string) Status {
	tb.Helper()
	r.w.Present(identity.SubjectID(subject))
	return waitState(tb, r.w, AwaitingPhotos)
}

func (r *rig) uploadBoth(tb testing.TB) {
	tb.Helper()
	r.w.UploadPhoto(capture.Front, photo)
	waitUploadSettled(tb, r.w, capture.Front)
	r.w.UploadPhoto(capture.Back, photo)
	waitState(tb, r.w, AwaitingSignature)
}
