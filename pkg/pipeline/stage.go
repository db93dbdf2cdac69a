// Package pipeline runs the staged transformation workflow: normalize,
// markdown, chunk, optional enrichment, embedding, and entity extraction.
// Every stage invocation writes its output artifact and appends a receipt.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/regen-network/koi-processor/pkg/identity"
)

var (
	ErrMalformedInput = errors.New("malformed input")
	ErrSchemaViolated = errors.New("recipe parameters violate stage schema")
)

// Input is what a stage is told about: its input artifact and the validated
// recipe parameters. Stages must not reach for anything else in the store.
type Input struct {
	RID    identity.RID
	CID    identity.CID
	Bytes  []byte
	Params map[string]any
}

// Output is a stage result. Skip marks a decision not to run paid work; a
// receipt is appended either way.
type Output struct {
	Bytes      []byte
	Format     string
	Meta       map[string]string
	Model      string
	Tokens     int64
	Compute    float64
	Skip       bool
	SkipReason string
}

// Stage is one pipeline step. RecipeSchema returns the JSON schema its
// parameters are validated against before Process runs.
type Stage interface {
	Name() string
	RecipeSchema() string
	Process(ctx context.Context, in Input) (Output, error)
}

// compileSchema panics on an invalid static schema; stage schemas are
// compile-time constants.
func compileSchema(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".schema.json", strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("pipeline: stage %s schema: %v", name, err))
	}
	s, err := c.Compile(name + ".schema.json")
	if err != nil {
		panic(fmt.Sprintf("pipeline: stage %s schema: %v", name, err))
	}
	return s
}

// validateParams checks params against the stage's schema.
func validateParams(stage Stage, compiled *jsonschema.Schema, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	// Round-trip through JSON so numeric types match what the validator
	// expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("pipeline: encode params: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("pipeline: decode params: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: stage %s: %v", ErrSchemaViolated, stage.Name(), err)
	}
	return nil
}
