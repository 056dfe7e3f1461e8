package workflow

import (
	"strings"

	"sigpad/cmd/internal/fault"
	"sigpad/cmd/internal/identity"
)

const maxCodeLen = 64

// ParseCode validates a manually entered or scanned card code.
func ParseCode(raw string) (identity.SubjectRef, error) {
	const op = "workflow.ParseCode"

	code := strings.TrimSpace(raw)
	if code == "" {
		return identity.SubjectRef{}, fault.Validation(op, "code is empty")
	}
	if len(code) > maxCodeLen {
		return identity.SubjectRef{}, fault.Validation(op, "code is too long")
	}
	for _, r := range code {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r == '-':
		default:
			return identity.SubjectRef{}, fault.Validation(op, "code contains invalid characters")
		}
	}
	return identity.CardCode(code), nil
}
