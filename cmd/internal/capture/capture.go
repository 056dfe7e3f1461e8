// Package capture holds the artifacts a pad collects during a session.
package capture

import (
	"fmt"
	"strings"
)

// Side names one face of an ID card.
type Side string

const (
	Front Side = "front"
	Back  Side = "back"
)

// ParseSide accepts "front" or "back" (case-insensitive).
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Front:
		return Front, nil
	case Back:
		return Back, nil
	default:
		return "", fmt.Errorf("unknown side: %q", s)
	}
}

// Photo is one captured ID card image.
type Photo struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Signature holds the raster and vector encodings of a drawn signature.
type Signature struct {
	PNG []byte
	SVG []byte

	// Strokes is the number of pen strokes reported by the surface; zero means blank.
	Strokes int
}

// IsEmpty reports whether nothing was drawn.
func (s *Signature) IsEmpty() bool {
	return s == nil || len(s.PNG) == 0 || s.Strokes <= 0
}
