// Package identity provides the two identifier families used across the
// processor node: semantic resource identifiers (RIDs) and SHA-256 content
// identifiers (CIDs). RIDs name a logical resource and survive content
// revisions; CIDs are a deterministic function of bytes.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Wire-format limits.
const (
	MaxRIDLength = 512
	RIDPrefix    = "orn:"
)

var (
	ErrMalformedRID = errors.New("malformed rid")
	ErrInvalidID    = errors.New("invalid identifier")
)

// RID is a stable semantic resource identifier of the form
// orn:<namespace>.<type>:<id>. Equality is byte equality after trimming.
type RID struct {
	Namespace string
	Type      string
	ID        string
}

// MintRID constructs a validated RID. Namespace and type are normalized to
// lowercase; the id segment is preserved as given after validation.
func MintRID(namespace, rtype, id string) (RID, error) {
	namespace = strings.ToLower(strings.TrimSpace(namespace))
	rtype = strings.ToLower(strings.TrimSpace(rtype))
	id = strings.TrimSpace(id)

	if !validSegment(namespace) {
		return RID{}, fmt.Errorf("%w: namespace %q", ErrInvalidID, namespace)
	}
	if !validSegment(rtype) {
		return RID{}, fmt.Errorf("%w: type %q", ErrInvalidID, rtype)
	}
	if id == "" || !validIDPart(id) {
		return RID{}, fmt.Errorf("%w: id %q", ErrInvalidID, id)
	}

	r := RID{Namespace: namespace, Type: rtype, ID: id}
	if len(r.String()) > MaxRIDLength {
		return RID{}, fmt.Errorf("%w: exceeds %d bytes", ErrInvalidID, MaxRIDLength)
	}
	return r, nil
}

// ParseRID parses the textual form orn:<ns>.<type>:<id>.
func ParseRID(s string) (RID, error) {
	s = strings.TrimSpace(s)
	if len(s) > MaxRIDLength {
		return RID{}, fmt.Errorf("%w: exceeds %d bytes", ErrMalformedRID, MaxRIDLength)
	}
	if !strings.HasPrefix(s, RIDPrefix) {
		return RID{}, fmt.Errorf("%w: missing orn: prefix in %q", ErrMalformedRID, s)
	}
	rest := s[len(RIDPrefix):]

	sep := strings.Index(rest, ":")
	if sep < 0 {
		return RID{}, fmt.Errorf("%w: missing id separator in %q", ErrMalformedRID, s)
	}
	qualifier, id := rest[:sep], rest[sep+1:]

	dot := strings.Index(qualifier, ".")
	if dot < 0 {
		return RID{}, fmt.Errorf("%w: missing namespace.type in %q", ErrMalformedRID, s)
	}
	ns, rtype := qualifier[:dot], qualifier[dot+1:]

	if !validSegment(ns) || !validSegment(rtype) {
		return RID{}, fmt.Errorf("%w: bad namespace or type in %q", ErrMalformedRID, s)
	}
	if id == "" || !validIDPart(id) {
		return RID{}, fmt.Errorf("%w: bad id in %q", ErrMalformedRID, s)
	}

	return RID{Namespace: ns, Type: rtype, ID: id}, nil
}

// String renders the canonical textual form.
func (r RID) String() string {
	return RIDPrefix + r.Namespace + "." + r.Type + ":" + r.ID
}

// IsZero reports whether the RID is the zero value.
func (r RID) IsZero() bool {
	return r.Namespace == "" && r.Type == "" && r.ID == ""
}

// WithType returns a copy of the RID with a different type segment, keeping
// namespace and id. Used when a pipeline stage derives an output resource
// from its input (raw -> normalized -> markdown -> ...).
func (r RID) WithType(rtype string) RID {
	return RID{Namespace: r.Namespace, Type: rtype, ID: r.ID}
}

// validSegment matches [a-z][a-z0-9-]* per the wire format.
func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case i > 0 && (c >= '0' && c <= '9' || c == '-'):
		default:
			return false
		}
	}
	return true
}

// validIDPart allows alphanumerics plus '/', '.', '-', '_'.
func validIDPart(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '/' || c == '.' || c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
