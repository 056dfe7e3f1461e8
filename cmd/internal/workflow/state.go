package workflow

import (
	"sigpad/cmd/internal/capture"
	"sigpad/cmd/internal/connection"
	"sigpad/cmd/internal/identity"
)

// State is a capture workflow state.
type State uint8

const (
	Standby State = iota
	Identifying
	AwaitingPhotos
	AwaitingSignature
	Submitting
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Standby:
		return "standby"
	case Identifying:
		return "identifying"
	case AwaitingPhotos:
		return "awaiting_photos"
	case AwaitingSignature:
		return "awaiting_signature"
	case Submitting:
		return "submitting"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Resting reports whether s accepts a new session without preempting anything.
func (s State) Resting() bool {
	return s == Standby || s == Completed || s == Cancelled
}

// Active reports whether s owns a live session that can be cancelled.
func (s State) Active() bool {
	return s == Identifying || s == AwaitingPhotos || s == AwaitingSignature
}

// Photos tracks the two independent ID card uploads.
type Photos struct {
	Front bool `json:"front"`
	Back  bool `json:"back"`
}

// Both reports whether both sides have been uploaded.
func (p Photos) Both() bool { return p.Front && p.Back }

func (p *Photos) mark(side capture.Side) {
	switch side {
	case capture.Front:
		p.Front = true
	case capture.Back:
		p.Back = true
	}
}

// Session is the single live capture.
type Session struct {
	ID        string
	Subject   identity.SubjectRef
	Identity  *identity.Identity
	Photos    Photos
	Signature *capture.Signature
}

// subjectID is what the server knows the subject by.
func (s *Session) subjectID() string {
	if s.Identity != nil && s.Identity.UID != "" {
		return s.Identity.UID
	}
	return s.Subject.Value
}

// photoRef keys photo uploads: the scanned card when the session started from
// one, otherwise the resolved subject id.
func (s *Session) photoRef() identity.SubjectRef {
	if s.Subject.Kind == identity.RefCardCode {
		return s.Subject
	}
	return identity.SubjectID(s.subjectID())
}

// Status is a point-in-time copy of the workflow.
type Status struct {
	State      State
	Session    *Session
	Connection connection.State
	// Pending is set when a subject arrived during Submitting and will start next.
	Pending *identity.SubjectRef
}
