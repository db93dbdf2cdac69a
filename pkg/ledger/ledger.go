package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/regen-network/koi-processor/pkg/identity"
)

var ErrNotFound = errors.New("cat not found")

// AppendOutcome reports whether an append wrote a new row.
type AppendOutcome string

const (
	Appended       AppendOutcome = "appended"
	AlreadyPresent AppendOutcome = "alreadyPresent"
)

// Resolver answers whether bytes for a CID exist in the artifact store. The
// ledger validates both sides of a receipt against it before appending.
type Resolver interface {
	HasBytes(ctx context.Context, cid identity.CID) (bool, error)
}

// Ledger is the append-only receipt log. Deterministic catIds make appends
// idempotent; rows are never mutated.
type Ledger interface {
	// Append validates and stores a receipt. Appending a catId that is
	// already present returns AlreadyPresent without writing.
	Append(ctx context.Context, cat *CAT) (AppendOutcome, error)

	// Get retrieves a receipt by catId.
	Get(ctx context.Context, catID string) (*CAT, error)

	// ChainFor walks backwards from the most recent receipt outputting rid
	// until a root input is reached, returning the chain root-first.
	ChainFor(ctx context.Context, rid string) ([]*CAT, error)

	// ByInput returns receipts whose input RID or CID matches ref.
	ByInput(ctx context.Context, ref string) ([]*CAT, error)

	// ByOutput returns receipts whose output RID or CID matches ref.
	ByOutput(ctx context.Context, ref string) ([]*CAT, error)

	// All returns every receipt in append order. Used by reporting.
	All(ctx context.Context) ([]*CAT, error)
}

// validate enforces receipt invariants: input bytes exist (or the retroactive
// sentinel is used), output bytes exist, and a referenced prompt template
// resolves. Failures are BrokenProvenance.
func validate(ctx context.Context, cat *CAT, resolver Resolver) error {
	if cat.CatID == "" {
		return fmt.Errorf("%w: missing catId", ErrBrokenProvenance)
	}
	if want, err := ComputeCatID(cat.Operation, cat.InputCid, cat.OutputCid, cat.Recipe); err != nil {
		return err
	} else if cat.CatID != want {
		return fmt.Errorf("%w: catId does not match contents", ErrBrokenProvenance)
	}
	if resolver == nil {
		return nil
	}

	if cat.InputCid != identity.SentinelRetroactive && cat.InputCid != "" {
		if err := mustResolve(ctx, resolver, cat.InputCid, "input"); err != nil {
			return err
		}
	} else if cat.InputCid == identity.SentinelRetroactive && !cat.Retroactive {
		return fmt.Errorf("%w: sentinel input on non-retroactive receipt", ErrBrokenProvenance)
	}
	if cat.OutputCid != "" && cat.Operation != OpFailed {
		if err := mustResolve(ctx, resolver, cat.OutputCid, "output"); err != nil {
			return err
		}
	}
	if cat.Recipe.PromptTemplateCid != "" {
		if err := mustResolve(ctx, resolver, cat.Recipe.PromptTemplateCid, "prompt template"); err != nil {
			return err
		}
	}
	return nil
}

func mustResolve(ctx context.Context, resolver Resolver, raw, what string) error {
	cid, err := identity.ParseCID(raw)
	if err != nil {
		return fmt.Errorf("%w: bad %s cid: %v", ErrBrokenProvenance, what, err)
	}
	ok, err := resolver.HasBytes(ctx, cid)
	if err != nil {
		return fmt.Errorf("ledger: resolve %s: %w", what, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %s does not resolve", ErrBrokenProvenance, what, raw)
	}
	return nil
}

// chainFrom reconstructs a provenance chain from an unordered receipt set.
// Shared by all backends.
func chainFrom(cats []*CAT, rid string) []*CAT {
	// Most recent receipt producing rid.
	var tip *CAT
	for _, c := range cats {
		if c.OutputRid != rid {
			continue
		}
		if tip == nil || c.Timestamp.After(tip.Timestamp) {
			tip = c
		}
	}
	if tip == nil {
		return nil
	}

	chain := []*CAT{tip}
	seen := map[string]bool{tip.CatID: true}
	cur := tip
	for cur.InputCid != "" && cur.InputCid != identity.SentinelRetroactive {
		var prev *CAT
		for _, c := range cats {
			if seen[c.CatID] || c.OutputCid != cur.InputCid {
				continue
			}
			if c.Timestamp.After(cur.Timestamp) {
				continue
			}
			if prev == nil || c.Timestamp.After(prev.Timestamp) {
				prev = c
			}
		}
		if prev == nil {
			break
		}
		seen[prev.CatID] = true
		chain = append(chain, prev)
		cur = prev
	}

	// Reverse to root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// MemoryLedger is the in-memory reference implementation used in tests and
// as the backing for single-shot CLI runs.
type MemoryLedger struct {
	mu       sync.RWMutex
	cats     []*CAT
	byID     map[string]*CAT
	resolver Resolver
}

// NewMemoryLedger creates an empty ledger. resolver may be nil to skip
// provenance validation (tests).
func NewMemoryLedger(resolver Resolver) *MemoryLedger {
	return &MemoryLedger{byID: make(map[string]*CAT), resolver: resolver}
}

func (l *MemoryLedger) Append(ctx context.Context, cat *CAT) (AppendOutcome, error) {
	if err := validate(ctx, cat, l.resolver); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[cat.CatID]; ok {
		return AlreadyPresent, nil
	}
	clone := *cat
	l.cats = append(l.cats, &clone)
	l.byID[cat.CatID] = &clone
	return Appended, nil
}

func (l *MemoryLedger) Get(ctx context.Context, catID string) (*CAT, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.byID[catID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, catID)
	}
	clone := *c
	return &clone, nil
}

func (l *MemoryLedger) ChainFor(ctx context.Context, rid string) ([]*CAT, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return chainFrom(l.cats, rid), nil
}

func (l *MemoryLedger) ByInput(ctx context.Context, ref string) ([]*CAT, error) {
	return l.filter(func(c *CAT) bool { return c.InputRid == ref || c.InputCid == ref })
}

func (l *MemoryLedger) ByOutput(ctx context.Context, ref string) ([]*CAT, error) {
	return l.filter(func(c *CAT) bool { return c.OutputRid == ref || c.OutputCid == ref })
}

func (l *MemoryLedger) All(ctx context.Context) ([]*CAT, error) {
	return l.filter(func(*CAT) bool { return true })
}

func (l *MemoryLedger) filter(keep func(*CAT) bool) ([]*CAT, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*CAT
	for _, c := range l.cats {
		if keep(c) {
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
