// Package fault defines the kiosk error taxonomy shared by every component.
//
// Each sentinel names one recovery policy:
//   - ErrTransport: channel/HTTP failure, recovered by reconnect or operator retry.
//   - ErrNotFound: identity lookup miss, session returns to standby.
//   - ErrValidation: local input rejected before any network call.
//   - ErrConfiguration: missing device identity or signing key, fatal to the session.
//   - ErrServerRejection: submission explicitly refused, shown verbatim, never retried.
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrTransport       = errors.New("transport error")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation error")
	ErrConfiguration   = errors.New("configuration error")
	ErrServerRejection = errors.New("server rejection")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind MUST be one of the sentinels above. Msg is human readable and must not carry key material.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RejectionError carries the raw server response of a refused request.
type RejectionError struct {
	Op     string
	Status int
	Body   string
}

func (e RejectionError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %v: status %d", e.Op, ErrServerRejection, e.Status)
	}
	return fmt.Sprintf("%s: %v: status %d: %s", e.Op, ErrServerRejection, e.Status, e.Body)
}

func (e RejectionError) Unwrap() error { return ErrServerRejection }

// Transport wraps err as an ErrTransport OpError.
func Transport(op string, err error) error {
	return OpError{Op: op, Kind: ErrTransport, Err: err}
}

// Validation builds an ErrValidation OpError.
func Validation(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

// Configuration wraps err as an ErrConfiguration OpError.
func Configuration(op, msg string, err error) error {
	return OpError{Op: op, Kind: ErrConfiguration, Msg: msg, Err: err}
}

// IsTransport reports whether err represents ErrTransport.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsConfiguration reports whether err represents ErrConfiguration.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// RejectionText returns the verbatim server body of a RejectionError, or "" when err is not one.
func RejectionText(err error) (string, bool) {
	var re RejectionError
	if !errors.As(err, &re) {
		return "", false
	}
	return re.Body, true
}

// Message returns the operator-facing text for err.
// Server rejections are surfaced verbatim; everything else uses the error string.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if body, ok := RejectionText(err); ok && body != "" {
		return body
	}
	var op OpError
	if errors.As(err, &op) && op.Msg != "" {
		return op.Msg
	}
	return err.Error()
}
