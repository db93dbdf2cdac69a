// Package ledger is the append-only log of transformation receipts (CATs).
// Every pipeline stage, dedup decision, and failure produces exactly one
// receipt binding input RID/CID to output RID/CID with the recipe that ran.
package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/regen-network/koi-processor/pkg/canonicalize"
)

// Operation values carried by receipts.
const (
	OpTransform = "transform"
	OpDedup     = "dedup"
	OpSkip      = "skip"
	OpMerge     = "merge"
	OpUnchanged = "unchanged"
	OpFailed    = "failed"
)

var (
	ErrBrokenProvenance = errors.New("broken provenance")
	ErrForeignCAT       = errors.New("foreign cat rejected")
)

// Recipe captures what a stage ran: stage name, model, prompt template (by
// CID) and parameters.
type Recipe struct {
	Stage             string         `json:"stage"`
	Model             string         `json:"model,omitempty"`
	PromptTemplateCid string         `json:"promptTemplateCid,omitempty"`
	Parameters        map[string]any `json:"parameters"`
}

// Cost records what a transformation consumed.
type Cost struct {
	Tokens  int64   `json:"tokens,omitempty"`
	Compute float64 `json:"compute,omitempty"`
	Storage int64   `json:"storage,omitempty"`
}

// CAT is a content-addressable transformation receipt. Immutable once
// appended; corrections are new receipts referencing the prior catId.
type CAT struct {
	CatID       string    `json:"catId"`
	Operation   string    `json:"operation"`
	Timestamp   time.Time `json:"timestamp"`
	InputRid    string    `json:"inputRid"`
	InputCid    string    `json:"inputCid"`
	OutputRid   string    `json:"outputRid"`
	OutputCid   string    `json:"outputCid"`
	Recipe      Recipe    `json:"recipe"`
	Agent       string    `json:"agent"`
	Cost        Cost      `json:"cost"`
	Retroactive bool      `json:"retroactive"`
	Signature   string    `json:"signature,omitempty"`
}

// ComputeCatID derives the deterministic receipt id:
// cat:<operation>:<sha256(inputCid || outputCid || recipeHash)>.
func ComputeCatID(operation, inputCid, outputCid string, recipe Recipe) (string, error) {
	recipeHash, err := canonicalize.CanonicalHash(recipe)
	if err != nil {
		return "", fmt.Errorf("ledger: hash recipe: %w", err)
	}
	digest := canonicalize.HashBytes([]byte(inputCid + outputCid + recipeHash))
	return "cat:" + operation + ":" + digest, nil
}

// Finalize stamps the deterministic CatID onto the receipt.
func (c *CAT) Finalize() error {
	id, err := ComputeCatID(c.Operation, c.InputCid, c.OutputCid, c.Recipe)
	if err != nil {
		return err
	}
	c.CatID = id
	return nil
}

// signingPayload is the canonical JSON of the receipt with signature blanked.
func (c *CAT) signingPayload() ([]byte, error) {
	clone := *c
	clone.Signature = ""
	return canonicalize.JCS(clone)
}

// Sign attaches an Ed25519 signature over the canonical receipt.
func (c *CAT) Sign(key ed25519.PrivateKey) error {
	payload, err := c.signingPayload()
	if err != nil {
		return err
	}
	c.Signature = hex.EncodeToString(ed25519.Sign(key, payload))
	return nil
}

// VerifySignature checks the receipt's Ed25519 signature.
func (c *CAT) VerifySignature(pub ed25519.PublicKey) (bool, error) {
	if c.Signature == "" {
		return false, nil
	}
	sig, err := hex.DecodeString(c.Signature)
	if err != nil {
		return false, fmt.Errorf("ledger: decode signature: %w", err)
	}
	payload, err := c.signingPayload()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, payload, sig), nil
}

// DecodeStrict parses a foreign CAT, rejecting unknown fields and verifying
// that the embedded catId matches recomputation. Anything else would let a
// peer smuggle unhashed data into the ledger.
func DecodeStrict(data []byte) (*CAT, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var c CAT
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForeignCAT, err)
	}
	want, err := ComputeCatID(c.Operation, c.InputCid, c.OutputCid, c.Recipe)
	if err != nil {
		return nil, err
	}
	if c.CatID != want {
		return nil, fmt.Errorf("%w: catId mismatch, got %s want %s", ErrForeignCAT, c.CatID, want)
	}
	return &c, nil
}
