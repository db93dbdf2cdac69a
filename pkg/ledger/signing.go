package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// SigningLedger signs every receipt before delegating to the wrapped ledger.
// Receipts that already carry a signature pass through untouched so replayed
// appends keep their original signature.
type SigningLedger struct {
	Ledger
	key ed25519.PrivateKey
}

// NewSigningLedger wraps inner with an Ed25519 signing key.
func NewSigningLedger(inner Ledger, key ed25519.PrivateKey) *SigningLedger {
	return &SigningLedger{Ledger: inner, key: key}
}

// ParseSigningKey decodes a hex-encoded Ed25519 seed.
func ParseSigningKey(hexSeed string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key: need %d-byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (l *SigningLedger) Append(ctx context.Context, cat *CAT) (AppendOutcome, error) {
	if cat.Signature == "" {
		if err := cat.Sign(l.key); err != nil {
			return "", err
		}
	}
	return l.Ledger.Append(ctx, cat)
}

// PublicKey returns the verifying key for the wrapped signer.
func (l *SigningLedger) PublicKey() ed25519.PublicKey {
	return l.key.Public().(ed25519.PublicKey)
}
