package identity

import (
	"strings"
)

// RefKind tells the gateway which lookup key a SubjectRef carries.
type RefKind uint8

const (
	// RefSubjectID is a directory subject id, as pushed by a "show" event.
	RefSubjectID RefKind = iota + 1
	// RefCardCode is a card number from manual entry or a barcode scan.
	RefCardCode
)

func (k RefKind) String() string {
	switch k {
	case RefSubjectID:
		return "userid"
	case RefCardCode:
		return "card"
	default:
		return "unknown"
	}
}

// SubjectRef names the person a session is for.
type SubjectRef struct {
	Kind  RefKind
	Value string
}

// SubjectID builds a subject-id reference.
func SubjectID(v string) SubjectRef {
	return SubjectRef{Kind: RefSubjectID, Value: strings.TrimSpace(v)}
}

// CardCode builds a card-code reference.
func CardCode(v string) SubjectRef { return SubjectRef{Kind: RefCardCode, Value: strings.TrimSpace(v)} }

func (r SubjectRef) String() string { return r.Kind.String() + ":" + r.Value }

// IsZero reports whether r names nobody.
func (r SubjectRef) IsZero() bool { return r.Value == "" }

// Address is a postal address attached to an identity.
type Address struct {
	CO      string `json:"co,omitempty"`
	Street  string `json:"street,omitempty"`
	Zip     string `json:"zip,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// Line joins the non-empty address parts with ", ".
func (a *Address) Line() string {
	if a == nil {
		return ""
	}
	parts := make([]string, 0, 6)
	for _, p := range []string{a.CO, a.Street, a.Zip, a.City, a.State, a.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Identity is a resolved subject as returned by the identity lookup.
type Identity struct {
	UID       string   `json:"uid"`
	FirstName string   `json:"firstname"`
	LastName  string   `json:"lastname"`
	Mail      string   `json:"mail,omitempty"`
	Birthday  string   `json:"birthday,omitempty"`
	JPEGPhoto string   `json:"jpegPhoto,omitempty"`
	Semester  *Address `json:"semster,omitempty"`
	Home      *Address `json:"home,omitempty"`
}

// Name is the display name used in the capture assertion.
func (i Identity) Name() string {
	return strings.TrimSpace(i.FirstName + " " + i.LastName)
}
