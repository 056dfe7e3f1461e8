package signing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"sigpad/cmd/internal/fault"
)

// ErrAlreadySubmitted is returned when a session tries to submit a second time.
var ErrAlreadySubmitted = fmt.Errorf("assertion already submitted for session: %w", fault.ErrValidation)

// Gateway is the capability that delivers signed tokens.
type Gateway interface {
	SubmitSignature(ctx context.Context, token string) error
}

// recentSessions bounds how many submitted session ids are remembered.
const recentSessions = 16

// Submitter delivers each session's assertion at most once and never retries.
type Submitter struct {
	log *slog.Logger
	gw  Gateway

	mu   sync.Mutex
	sent [recentSessions]string
	next int
}

// NewSubmitter constructs a Submitter over gw.
func NewSubmitter(gw Gateway, log *slog.Logger) *Submitter {
	if log == nil {
		log = slog.Default()
	}
	return &Submitter{log: log, gw: gw}
}

// Submit sends sa for sessionID. The session is marked before the request so
// a failed attempt cannot be replayed with stale input.
func (s *Submitter) Submit(ctx context.Context, sessionID string, sa SignedAssertion) error {
	const op = "signing.Submit"

	if !s.mark(sessionID) {
		return ErrAlreadySubmitted
	}

	err := s.gw.SubmitSignature(ctx, sa.Token)
	if err != nil {
		if !fault.IsTransport(err) && !isRejection(err) {
			err = fault.Transport(op, err)
		}
		s.log.Info("submit.fail", "session_id", sessionID, "subject", sa.Assertion.SubjectID, "err", err)
		return err
	}

	s.log.Info("submit.ok", "session_id", sessionID, "subject", sa.Assertion.SubjectID)
	return nil
}

// mark records sessionID and reports whether it was not yet submitted.
func (s *Submitter) mark(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.sent {
		if id != "" && id == sessionID {
			return false
		}
	}
	s.sent[s.next] = sessionID
	s.next = (s.next + 1) % recentSessions
	return true
}

func isRejection(err error) bool {
	_, ok := fault.RejectionText(err)
	return ok
}
