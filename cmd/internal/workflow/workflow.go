// Package workflow sequences one capture session at a time:
// identify, photograph, sign, submit.
//
// All inputs (remote events, operator actions, connection changes and the
// completions of network calls) are messages into one loop goroutine and
// run to completion there. Network calls run outside the loop; their
// results come back as messages and are checked against the live session
// before they are applied.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sigpad/cmd/internal/capture"
	"sigpad/cmd/internal/connection"
	"sigpad/cmd/internal/device"
	"sigpad/cmd/internal/display"
	"sigpad/cmd/internal/fault"
	"sigpad/cmd/internal/identity"
	"sigpad/cmd/internal/ids"
	"sigpad/cmd/internal/signing"
	"sigpad/cmd/internal/telemetry"
	v1 "sigpad/shared/contracts/pad/v1"
)

const (
	inboxSize     = 64
	cancelTimeout = 5 * time.Second
)

// ErrStopped is returned when the loop is no longer running.
var ErrStopped = errors.New("workflow stopped")

// Resolver is the identity resolution capability.
type Resolver interface {
	Begin(sessionID string, ref identity.SubjectRef) identity.Ticket
	Resolve(ctx context.Context, t identity.Ticket) identity.Result
	Accept(res identity.Result) (identity.Identity, bool)
	Reset()
}

// PhotoUploader stores ID card photos on the server.
type PhotoUploader interface {
	UploadPhoto(ctx context.Context, ref identity.SubjectRef, side capture.Side, photo capture.Photo) error
}

// CancelNotifier tells the server an operator aborted a capture.
type CancelNotifier interface {
	CancelSignature(ctx context.Context, subjectID string, at time.Time) error
}

// Signer turns an assertion into a signed token.
type Signer interface {
	Sign(a signing.CaptureAssertion) (signing.SignedAssertion, error)
}

// Submitter delivers a signed token once per session.
type Submitter interface {
	Submit(ctx context.Context, sessionID string, sa signing.SignedAssertion) error
}

// Deps are the capabilities the workflow drives.
type Deps struct {
	Device    device.Identity
	Resolver  Resolver
	Photos    PhotoUploader
	Cancels   CancelNotifier
	Signer    Signer
	Submitter Submitter
	Sink      display.Sink
	Surface   display.Surface
	Metrics   *telemetry.Metrics
	Log       *slog.Logger
	Now       func() time.Time
}

// Config holds the behavioural switches of the workflow.
type Config struct {
	// RequirePhotos routes resolved subjects through AwaitingPhotos.
	RequirePhotos bool
}

// Workflow owns the capture session state machine.
type Workflow struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	inbox     chan func(context.Context)
	startOnce sync.Once
	done      chan struct{}

	mu     sync.RWMutex
	status Status

	// Loop-owned.
	state     State
	session   *Session
	conn      connection.State
	pending   *identity.SubjectRef
	uploading map[capture.Side]bool
	surface   display.Mode
}

// New constructs a Workflow in Standby. Nothing runs until Start.
func New(cfg Config, deps Deps) *Workflow {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sink == nil {
		deps.Sink = display.NewLogSink(deps.Log)
	}
	if deps.Surface == nil {
		deps.Surface = display.NewLogSurface(deps.Log)
	}
	return &Workflow{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log,
		inbox:     make(chan func(context.Context), inboxSize),
		done:      make(chan struct{}),
		uploading: make(map[capture.Side]bool),
	}
}

// Start runs the loop until ctx is done and renders the initial Standby view.
func (w *Workflow) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
		w.post(func(context.Context) { w.enter(Standby, "start") })
	})
}

// Done is closed once the loop has stopped.
func (w *Workflow) Done() <-chan struct{} { return w.done }

// Status returns a copy of the current state.
func (w *Workflow) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := w.status
	if out.Session != nil {
		s := *out.Session
		out.Session = &s
	}
	if out.Pending != nil {
		p := *out.Pending
		out.Pending = &p
	}
	return out
}

func (w *Workflow) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.releaseSurface()
			return
		case fn := <-w.inbox:
			fn(ctx)
		}
	}
}

func (w *Workflow) post(fn func(context.Context)) bool {
	select {
	case w.inbox <- fn:
		return true
	case <-w.done:
		return false
	}
}

// ---- inputs ----

// HandleRemote dispatches one inbound channel event onto the loop.
func (w *Workflow) HandleRemote(e v1.RemoteEvent) {
	switch ev := e.(type) {
	case v1.Heartbeat:
		w.post(func(context.Context) {
			at := ev.At
			if at.IsZero() {
				at = w.deps.Now()
			}
			w.deps.Sink.Heartbeat(at)
		})
	case v1.Present:
		w.Present(identity.SubjectID(ev.SubjectRef))
	case v1.Error:
		w.notify(display.Timed(display.LevelError, "Server", ev.Message))
	case v1.Hide:
		w.post(func(context.Context) { w.onHide(ev.Reason) })
	case v1.Clear:
		w.post(func(context.Context) { w.onClear() })
	}
}

// Present starts a session for ref, preempting any live session that is not submitting.
func (w *Workflow) Present(ref identity.SubjectRef) {
	w.post(func(ctx context.Context) { w.onPresent(ctx, ref, "present") })
}

// EnterCode starts a session from a manually entered or scanned card code.
// Malformed codes are rejected here without touching the loop or the network.
func (w *Workflow) EnterCode(raw string) error {
	ref, err := ParseCode(raw)
	if err != nil {
		w.notify(display.Timed(display.LevelWarning, "Invalid code", fault.Message(err)))
		return err
	}
	if _, err := w.deps.Device.SigningKey(); err != nil {
		return fault.Configuration("workflow.EnterCode", "device cannot sign", err)
	}
	if !w.post(func(ctx context.Context) { w.onPresent(ctx, ref, "code") }) {
		return ErrStopped
	}
	return nil
}

// UploadPhoto sends one side of the subject's ID card.
func (w *Workflow) UploadPhoto(side capture.Side, photo capture.Photo) {
	w.post(func(ctx context.Context) { w.onUpload(ctx, side, photo) })
}

// Confirm submits the drawn signature.
func (w *Workflow) Confirm(sig capture.Signature) {
	w.post(func(ctx context.Context) { w.onConfirm(ctx, sig) })
}

// ClearSignature wipes the signature surface.
func (w *Workflow) ClearSignature() {
	w.post(func(context.Context) { w.onClear() })
}

// Cancel aborts the live session at the operator's request.
func (w *Workflow) Cancel() {
	w.post(func(ctx context.Context) { w.onCancel(ctx, "operator", true) })
}

// Home returns a finished workflow to Standby.
func (w *Workflow) Home() {
	w.post(func(context.Context) {
		if w.state == Completed || w.state == Cancelled {
			w.enter(Standby, "home")
		}
	})
}

// OnConnection observes connection state changes.
func (w *Workflow) OnConnection(c connection.StateChange) {
	w.post(func(ctx context.Context) { w.onConnection(ctx, c) })
}

func (w *Workflow) notify(n display.Notice) {
	w.post(func(context.Context) { w.deps.Sink.Notify(n) })
}

// ---- handlers (loop only) ----

func (w *Workflow) onPresent(ctx context.Context, ref identity.SubjectRef, source string) {
	if ref.IsZero() {
		w.deps.Sink.Notify(display.Timed(display.LevelWarning, "Invalid code", "code is empty"))
		return
	}
	if !w.deps.Device.Registered() {
		w.log.Warn("workflow.present.unregistered", "subject", ref.String())
		return
	}
	if _, err := w.deps.Device.SigningKey(); err != nil {
		w.log.Warn("workflow.present.disabled", "subject", ref.String(), "err", err)
		w.deps.Sink.Notify(display.Timed(display.LevelError, "Configuration error", fault.Message(err)))
		return
	}
	if source == "code" && w.conn != connection.Connected {
		w.deps.Sink.Notify(display.Timed(display.LevelWarning, "Not connected", "waiting for server connection"))
		return
	}
	if w.state == Submitting {
		r := ref
		w.pending = &r
		w.publish()
		w.log.Info("workflow.present.deferred", "subject", ref.String(), "session_id", w.session.ID)
		return
	}
	if !w.state.Resting() {
		w.log.Info("workflow.preempt", "state", w.state.String(), "session_id", w.session.ID, "subject", ref.String())
	}
	w.begin(ctx, ref, source)
}

func (w *Workflow) begin(ctx context.Context, ref identity.SubjectRef, reason string) {
	now := w.deps.Now()
	sessionID, err := ids.NewSessionID(now)
	if err != nil {
		w.log.Error("workflow.session.id.fail", "err", err)
		w.deps.Sink.Notify(display.Timed(display.LevelError, "Error", "could not start session"))
		return
	}

	w.session = &Session{ID: sessionID, Subject: ref}
	w.enter(Identifying, reason)

	ticket := w.deps.Resolver.Begin(sessionID, ref)
	go func() {
		start := time.Now()
		res := w.deps.Resolver.Resolve(ctx, ticket)
		w.deps.Metrics.ObserveLookup(lookupOutcome(res.Err), time.Since(start).Seconds())
		w.post(func(context.Context) { w.onResolved(res) })
	}()
}

func (w *Workflow) onResolved(res identity.Result) {
	ident, ok := w.deps.Resolver.Accept(res)
	if !ok || w.state != Identifying || w.session == nil || w.session.ID != res.Ticket.SessionID {
		w.deps.Metrics.IncStale()
		w.log.Debug("workflow.identity.stale", "session_id", res.Ticket.SessionID)
		return
	}

	if res.Err != nil {
		title := "Lookup failed"
		if fault.IsNotFound(res.Err) {
			title = "Not found"
		}
		w.log.Info("workflow.identity.fail", "session_id", w.session.ID, "subject", w.session.Subject.String(), "err", res.Err)
		w.deps.Sink.Notify(display.Timed(display.LevelError, title, fault.Message(res.Err)))
		w.enter(Standby, "identity failed")
		return
	}

	w.session.Identity = &ident
	if w.cfg.RequirePhotos {
		w.enter(AwaitingPhotos, "resolved")
		return
	}
	w.enter(AwaitingSignature, "resolved")
}

func (w *Workflow) onUpload(ctx context.Context, side capture.Side, photo capture.Photo) {
	if w.state != AwaitingPhotos {
		w.log.Debug("workflow.upload.ignored", "state", w.state.String(), "side", side)
		return
	}
	if len(photo.Data) == 0 {
		w.deps.Sink.Notify(display.Timed(display.LevelWarning, "Photo", "photo is empty"))
		return
	}
	if w.uploading[side] {
		w.deps.Sink.Notify(display.Timed(display.LevelInfo, "Photo", "upload already in progress"))
		return
	}

	w.uploading[side] = true
	sessionID := w.session.ID
	ref := w.session.photoRef()

	go func() {
		err := w.deps.Photos.UploadPhoto(ctx, ref, side, photo)
		w.post(func(context.Context) { w.onUploaded(sessionID, side, err) })
	}()
}

func (w *Workflow) onUploaded(sessionID string, side capture.Side, err error) {
	if w.session == nil || w.session.ID != sessionID || w.state != AwaitingPhotos {
		w.log.Debug("workflow.upload.stale", "session_id", sessionID, "side", side)
		return
	}
	w.uploading[side] = false

	if err != nil {
		w.log.Info("workflow.upload.fail", "session_id", sessionID, "side", side, "err", err)
		w.deps.Sink.Notify(display.Timed(display.LevelError, "Photo upload failed", fault.Message(err)))
		return
	}

	w.session.Photos.mark(side)
	w.log.Info("workflow.upload.ok", "session_id", sessionID, "side", side)
	if w.session.Photos.Both() {
		w.enter(AwaitingSignature, "photos uploaded")
		return
	}
	w.publish()
	w.render()
}

func (w *Workflow) onConfirm(ctx context.Context, sig capture.Signature) {
	if w.state != AwaitingSignature {
		w.log.Debug("workflow.confirm.ignored", "state", w.state.String())
		return
	}

	a, err := signing.BuildAssertion(signing.Input{
		Device:    w.deps.Device,
		Subject:   w.session.Identity,
		Signature: &sig,
	}, w.deps.Now())
	if err != nil {
		if fault.IsValidation(err) {
			w.deps.Sink.Notify(display.Timed(display.LevelWarning, "Signature", fault.Message(err)))
			return
		}
		w.abort("assertion", err)
		return
	}

	sa, err := w.deps.Signer.Sign(a)
	if err != nil {
		w.abort("sign", err)
		return
	}

	s := sig
	w.session.Signature = &s
	sessionID := w.session.ID
	w.enter(Submitting, "confirmed")

	go func() {
		err := w.deps.Submitter.Submit(ctx, sessionID, sa)
		w.post(func(ctx context.Context) { w.onSubmitted(ctx, sessionID, err) })
	}()
}

// abort ends the session on a configuration problem.
func (w *Workflow) abort(step string, err error) {
	w.log.Error("workflow.abort", "step", step, "session_id", w.session.ID, "err", err)
	w.deps.Sink.Notify(display.Timed(display.LevelError, "Configuration error", fault.Message(err)))
	w.enter(Standby, "configuration error")
}

func (w *Workflow) onSubmitted(ctx context.Context, sessionID string, err error) {
	if w.state != Submitting || w.session == nil || w.session.ID != sessionID {
		return
	}

	switch {
	case err == nil:
		w.deps.Metrics.IncSubmission(telemetry.OutcomeOK)
		w.deps.Sink.Notify(display.Timed(display.LevelInfo, "Done", "signature submitted"))
		w.enter(Completed, "submitted")
	default:
		outcome := telemetry.OutcomeFailed
		if errors.Is(err, fault.ErrServerRejection) {
			outcome = telemetry.OutcomeRejected
		}
		w.deps.Metrics.IncSubmission(outcome)
		w.deps.Sink.Notify(display.Timed(display.LevelError, "Submission failed", fault.Message(err)))
		w.enter(Standby, "submission failed")
	}

	if w.pending != nil {
		ref := *w.pending
		w.pending = nil
		w.begin(ctx, ref, "deferred present")
	}
}

func (w *Workflow) onCancel(ctx context.Context, reason string, notify bool) {
	if !w.state.Active() {
		w.log.Debug("workflow.cancel.ignored", "state", w.state.String(), "reason", reason)
		return
	}

	subjectID := w.session.subjectID()
	w.enter(Cancelled, reason)

	if notify && subjectID != "" && w.deps.Cancels != nil {
		at := w.deps.Now()
		go func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
			defer cancel()
			if err := w.deps.Cancels.CancelSignature(cctx, subjectID, at); err != nil {
				w.log.Info("workflow.cancel.notify.fail", "subject", subjectID, "err", err)
			}
		}()
	}
}

func (w *Workflow) onHide(reason string) {
	if !w.state.Active() {
		return
	}
	w.log.Info("workflow.hide", "session_id", w.session.ID, "reason", reason)
	w.enter(Cancelled, "hidden by server")
}

func (w *Workflow) onClear() {
	if w.state != AwaitingSignature {
		return
	}
	w.deps.Surface.Reset()
}

func (w *Workflow) onConnection(ctx context.Context, c connection.StateChange) {
	w.conn = c.To
	w.publish()
	w.deps.Sink.Connection(c.To.String(), c.Recovered)

	if c.Recovered {
		w.deps.Sink.Notify(display.Timed(display.LevelInfo, "Connection", "connection restored"))
	}
	if c.Lost() {
		w.deps.Sink.Notify(display.Timed(display.LevelWarning, "Connection", "connection lost"))
		// Submitting resolves on its own; anything else must not outlive the channel.
		w.onCancel(ctx, "connection lost", true)
	}
}

// ---- transitions ----

func (w *Workflow) enter(to State, reason string) {
	from := w.state
	w.exit(from, to)

	w.state = to
	switch to {
	case Standby:
		w.deps.Resolver.Reset()
		w.session = nil
	case Completed, Cancelled:
		w.deps.Resolver.Reset()
	case Identifying:
		w.uploading = make(map[capture.Side]bool)
	case AwaitingPhotos:
		w.acquireSurface(display.ModeCamera)
	case AwaitingSignature:
		w.acquireSurface(display.ModeSignature)
		w.deps.Surface.Reset()
	}

	sessionID := ""
	if w.session != nil {
		sessionID = w.session.ID
	}
	w.log.Info("workflow.transition",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
		"session_id", sessionID,
	)
	w.deps.Metrics.IncTransition(to.String())

	w.publish()
	w.render()
}

func (w *Workflow) exit(from, to State) {
	if from == to {
		return
	}
	switch from {
	case AwaitingPhotos, AwaitingSignature:
		w.releaseSurface()
	}
}

func (w *Workflow) acquireSurface(m display.Mode) {
	w.releaseSurface()
	if err := w.deps.Surface.Activate(m); err != nil {
		w.log.Warn("workflow.surface.fail", "mode", m, "err", err)
		w.deps.Sink.Notify(display.Timed(display.LevelError, "Device", "capture surface unavailable"))
		return
	}
	w.surface = m
}

func (w *Workflow) releaseSurface() {
	if w.surface == "" {
		return
	}
	w.deps.Surface.Release()
	w.surface = ""
}

func (w *Workflow) publish() {
	st := Status{State: w.state, Connection: w.conn}
	if w.session != nil {
		s := *w.session
		st.Session = &s
	}
	if w.pending != nil {
		p := *w.pending
		st.Pending = &p
	}

	w.mu.Lock()
	w.status = st
	w.mu.Unlock()
}

func (w *Workflow) render() {
	v := display.View{State: w.state.String()}
	if s := w.session; s != nil {
		v.SessionID = s.ID
		v.Subject = s.Subject.Value
		v.FrontPhoto = s.Photos.Front
		v.BackPhoto = s.Photos.Back
		if s.Identity != nil {
			v.Name = s.Identity.Name()
		}
	}
	w.deps.Sink.Render(v)
}

func lookupOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case fault.IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}
