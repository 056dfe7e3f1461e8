// Package signing builds the capture assertion, signs it with the device key
// and submits it exactly once per session.
//
// The assertion binds pad, subject, signature images and issue time. It is
// serialized as a compact JWS (RS256 for RSA keys, EdDSA for Ed25519) whose
// header names the device key id, so any holder of the public key can verify it.
package signing

import (
	"encoding/base64"
	"strings"
	"time"

	"sigpad/cmd/internal/capture"
	"sigpad/cmd/internal/device"
	"sigpad/cmd/internal/fault"
	"sigpad/cmd/internal/identity"

	"github.com/golang-jwt/jwt/v5"
)

// CaptureAssertion is the immutable payload of a signed capture.
type CaptureAssertion struct {
	Issuer       string
	PadLabel     string
	SignaturePNG string // base64, standard encoding
	SignatureSVG string // base64, standard encoding
	SubjectID    string
	SubjectName  string
	SubjectMail  string
	IssuedAt     time.Time
}

// Input is everything BuildAssertion reads from a session.
type Input struct {
	Device    device.Identity
	Subject   *identity.Identity
	Signature *capture.Signature
}

// BuildAssertion snapshots in into a CaptureAssertion issued at now (truncated to seconds).
// It fails with fault.ErrValidation when no identity is bound or nothing was drawn.
func BuildAssertion(in Input, now time.Time) (CaptureAssertion, error) {
	const op = "signing.BuildAssertion"

	if !in.Device.Registered() {
		return CaptureAssertion{}, fault.Configuration(op, "device unregistered", device.ErrUnregistered)
	}
	if in.Subject == nil || strings.TrimSpace(in.Subject.UID) == "" {
		return CaptureAssertion{}, fault.Validation(op, "no resolved identity")
	}
	if in.Signature.IsEmpty() {
		return CaptureAssertion{}, fault.Validation(op, "signature is empty")
	}

	return CaptureAssertion{
		Issuer:       in.Device.PadID,
		PadLabel:     in.Device.PadLabel,
		SignaturePNG: base64.StdEncoding.EncodeToString(in.Signature.PNG),
		SignatureSVG: base64.StdEncoding.EncodeToString(in.Signature.SVG),
		SubjectID:    in.Subject.UID,
		SubjectName:  in.Subject.Name(),
		SubjectMail:  in.Subject.Mail,
		IssuedAt:     now.UTC().Truncate(time.Second),
	}, nil
}

// captureClaims is the wire form of a CaptureAssertion.
// Field order is fixed so identical input always yields identical bytes.
type captureClaims struct {
	PadLabel     string `json:"sigpad"`
	SignaturePNG string `json:"sigpng"`
	SignatureSVG string `json:"sigsvg"`
	Name         string `json:"name"`
	Mail         string `json:"mail,omitempty"`
	jwt.RegisteredClaims
}

func (a CaptureAssertion) claims() captureClaims {
	return captureClaims{
		PadLabel:     a.PadLabel,
		SignaturePNG: a.SignaturePNG,
		SignatureSVG: a.SignatureSVG,
		Name:         a.SubjectName,
		Mail:         a.SubjectMail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   a.Issuer,
			Subject:  a.SubjectID,
			IssuedAt: jwt.NewNumericDate(a.IssuedAt),
		},
	}
}

func (c captureClaims) assertion() CaptureAssertion {
	a := CaptureAssertion{
		Issuer:       c.Issuer,
		PadLabel:     c.PadLabel,
		SignaturePNG: c.SignaturePNG,
		SignatureSVG: c.SignatureSVG,
		SubjectID:    c.Subject,
		SubjectName:  c.Name,
		SubjectMail:  c.Mail,
	}
	if c.IssuedAt != nil {
		a.IssuedAt = c.IssuedAt.Time.UTC()
	}
	return a
}
