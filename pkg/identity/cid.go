package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	CIDPrefix = "cid:"
	// CIDLength is the fixed wire length: "cid:sha256:" + 64 hex chars.
	CIDLength = 75

	// SentinelRetroactive marks the input of a receipt reconstructed for
	// content that predates the ledger. It never resolves in the store.
	SentinelRetroactive = "cid:unknown:retroactive"
)

var ErrMalformedCID = errors.New("malformed cid")

// CID is a content identifier: an algorithm tag plus a lower-hex digest.
type CID struct {
	Alg    string
	Digest string
}

// HashCID computes the SHA-256 CID of raw bytes. Pure and deterministic;
// whitespace-only input still produces a CID (emptiness is an ingestion
// concern, not a hashing one).
func HashCID(data []byte) CID {
	sum := sha256.Sum256(data)
	return CID{Alg: "sha256", Digest: hex.EncodeToString(sum[:])}
}

// ParseCID parses cid:sha256:<hex64>. Digest hex is case-insensitive on read
// and normalized to lowercase.
func ParseCID(s string) (CID, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, CIDPrefix) {
		return CID{}, fmt.Errorf("%w: missing cid: prefix in %q", ErrMalformedCID, s)
	}
	rest := s[len(CIDPrefix):]
	sep := strings.Index(rest, ":")
	if sep < 0 {
		return CID{}, fmt.Errorf("%w: missing digest separator in %q", ErrMalformedCID, s)
	}
	alg, digest := rest[:sep], strings.ToLower(rest[sep+1:])

	if alg != "sha256" {
		return CID{}, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedCID, alg)
	}
	if len(digest) != 64 {
		return CID{}, fmt.Errorf("%w: digest must be 64 hex chars, got %d", ErrMalformedCID, len(digest))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return CID{}, fmt.Errorf("%w: non-hex digest in %q", ErrMalformedCID, s)
	}
	return CID{Alg: alg, Digest: digest}, nil
}

// String renders the canonical lowercase wire form.
func (c CID) String() string {
	return CIDPrefix + c.Alg + ":" + c.Digest
}

// IsZero reports whether the CID is the zero value.
func (c CID) IsZero() bool {
	return c.Alg == "" && c.Digest == ""
}

// Equal compares two CIDs.
func (c CID) Equal(other CID) bool {
	return c.Alg == other.Alg && c.Digest == other.Digest
}
