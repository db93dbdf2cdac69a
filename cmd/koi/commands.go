package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/regen-network/koi-processor/pkg/entities"
	"github.com/regen-network/koi-processor/pkg/identity"
	"github.com/regen-network/koi-processor/pkg/ingest"
	"github.com/regen-network/koi-processor/pkg/ledger"
	"github.com/regen-network/koi-processor/pkg/model"
	"github.com/regen-network/koi-processor/pkg/scheduler"
	"github.com/regen-network/koi-processor/pkg/store"
)

// exitCode maps processing errors onto shell exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ingest.ErrEmptyContent),
		errors.Is(err, ingest.ErrUnsupportedContentType),
		errors.Is(err, identity.ErrMalformedRID),
		errors.Is(err, identity.ErrInvalidID),
		errors.Is(err, identity.ErrMalformedCID),
		errors.Is(err, entities.ErrInvalidVersion),
		errors.Is(err, entities.ErrStaleOntology):
		return exitValidation
	case errors.Is(err, scheduler.ErrBudgetExceeded):
		return exitBudget
	case errors.Is(err, store.ErrBackendUnavailable), model.IsTransient(err):
		return exitUnavailable
	default:
		return exitError
	}
}

func runIngest(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ingest", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		source      string
		originalID  string
		contentType string
	)
	cmd.StringVar(&source, "source", "", "source RID, e.g. orn:regen.source:notion/pageA (REQUIRED)")
	cmd.StringVar(&originalID, "id", "", "original identifier from the source system")
	cmd.StringVar(&contentType, "type", "text/plain", "content type of the file")
	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}
	if source == "" || cmd.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: koi ingest <file> --source <rid> [--id <original-id>] [--type <content-type>]")
		return exitValidation
	}

	content, err := os.ReadFile(cmd.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "read %s: %v\n", cmd.Arg(0), err)
		return exitValidation
	}

	err = withStack(context.Background(), func(ctx context.Context, s *stack) error {
		res, err := s.ingest.Ingest(ctx, ingest.Document{
			SourceRID:   source,
			OriginalID:  originalID,
			Content:     content,
			ContentType: contentType,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "status:   %s\n", res.Status)
		fmt.Fprintf(stdout, "rid:      %s\n", res.RID)
		fmt.Fprintf(stdout, "cid:      %s\n", res.CID)
		fmt.Fprintf(stdout, "receipts: %d\n", len(res.Receipts))
		for _, c := range res.Receipts {
			fmt.Fprintf(stdout, "  %-10s %-10s %s\n", c.Operation, c.Recipe.Stage, c.CatID)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "ingest: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: koi resolve <rid|cid>")
		return exitValidation
	}

	err := withStack(context.Background(), func(ctx context.Context, s *stack) error {
		a, data, err := s.query.GetArtifact(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "rid:    %s\n", a.RID)
		fmt.Fprintf(stdout, "cid:    %s\n", a.CID)
		fmt.Fprintf(stdout, "stage:  %s\n", a.Stage)
		fmt.Fprintf(stdout, "format: %s\n", a.Format)
		fmt.Fprintf(stdout, "size:   %d\n", len(data))
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(stderr, "resolve: %s not found\n", args[0])
		return exitValidation
	}
	if err != nil {
		fmt.Fprintf(stderr, "resolve: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func runProvenance(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: koi provenance <rid>")
		return exitValidation
	}
	if _, err := identity.ParseRID(args[0]); err != nil {
		fmt.Fprintf(stderr, "provenance: %v\n", err)
		return exitValidation
	}

	err := withStack(context.Background(), func(ctx context.Context, s *stack) error {
		chain, err := s.query.Provenance(ctx, args[0])
		if err != nil {
			return err
		}
		if len(chain) == 0 {
			return fmt.Errorf("no receipts for %s", args[0])
		}
		for _, c := range chain {
			fmt.Fprintf(stdout, "%s  %-10s %-10s %s -> %s\n",
				c.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
				c.Operation, c.Recipe.Stage, c.InputRid, c.OutputRid)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "provenance: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func runForget(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: koi forget <rid>")
		return exitValidation
	}
	rid, err := identity.ParseRID(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "forget: %v\n", err)
		return exitValidation
	}

	err = withStack(context.Background(), func(ctx context.Context, s *stack) error {
		return s.ingest.Forget(ctx, rid)
	})
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(stderr, "forget: %s not found\n", args[0])
		return exitValidation
	}
	if err != nil {
		fmt.Fprintf(stderr, "forget: %v\n", err)
		return exitCode(err)
	}
	fmt.Fprintf(stdout, "forgotten: %s\n", args[0])
	return exitOK
}

func runOntology(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ontology", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		ridRaw  string
		version string
		format  string
	)
	cmd.StringVar(&ridRaw, "rid", "", "ontology RID, e.g. orn:regen.ontology:unified (REQUIRED)")
	cmd.StringVar(&version, "version", "", "semantic version, strictly newer than the current one (REQUIRED)")
	cmd.StringVar(&format, "format", "text/turtle", "content type of the file")
	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}
	if ridRaw == "" || version == "" || cmd.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: koi ontology <file> --rid <rid> --version <semver> [--format <content-type>]")
		return exitValidation
	}
	rid, err := identity.ParseRID(ridRaw)
	if err != nil {
		fmt.Fprintf(stderr, "ontology: %v\n", err)
		return exitValidation
	}

	content, err := os.ReadFile(cmd.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "read %s: %v\n", cmd.Arg(0), err)
		return exitValidation
	}

	err = withStack(context.Background(), func(ctx context.Context, s *stack) error {
		cid, err := s.store.PutBytes(ctx, content)
		if err != nil {
			return err
		}
		unlock := s.store.LockRID(rid)
		_, err = s.store.UpsertArtifact(ctx, rid, cid, format, "ontology", nil)
		unlock()
		if err != nil {
			return err
		}
		if err := s.entities.RegisterOntology(ctx, rid, version, cid); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "registered: %s %s\n", rid.String(), version)
		fmt.Fprintf(stdout, "cid:        %s\n", cid.String())
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "ontology: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func runReport(args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "Usage: koi report")
		return exitValidation
	}

	err := withStack(context.Background(), func(ctx context.Context, s *stack) error {
		days, err := ledger.Report(ctx, s.ledger)
		if err != nil {
			return err
		}
		if len(days) == 0 {
			fmt.Fprintln(stdout, "ledger is empty")
			return nil
		}
		for _, d := range days {
			fmt.Fprintf(stdout, "%s  tokens=%d compute=%.4f\n", d.Day, d.Tokens, d.Compute)
			for _, op := range sortedKeys(d.Operations) {
				fmt.Fprintf(stdout, "  %-10s %d\n", op, d.Operations[op])
			}
			for _, reason := range sortedKeys(d.SkipReasons) {
				fmt.Fprintf(stdout, "  skip(%s) %d\n", reason, d.SkipReasons[reason])
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "report: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
