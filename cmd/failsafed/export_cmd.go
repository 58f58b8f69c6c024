package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/qorelogic/failsafe/pkg/canonical"
	"github.com/qorelogic/failsafe/pkg/config"
	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/ledger"
	"github.com/qorelogic/failsafe/pkg/observability"
	"github.com/qorelogic/failsafe/pkg/store"
)

// exportBundle is the canonical-JSON document written to the archive.
// The marshaled bytes name the object, so the layout must stay
// deterministic.
type exportBundle struct {
	RangeStart int64                   `json:"rangeStart"`
	RangeEnd   int64                   `json:"rangeEnd"`
	HeadHash   string                  `json:"headHash"`
	MerkleRoot string                  `json:"merkleRoot"`
	Entries    []contracts.LedgerEntry `json:"entries"`
}

// runExportCmd implements `failsafed export`: writes a verified ledger
// segment to a content-addressed archive. Re-exporting the same segment
// lands on the existing object.
//
// Exit codes:
//
//	0 = export completed
//	2 = chain broken, empty range, or runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		from   int64
		to     int64
		target string
	)
	cmd.Int64Var(&from, "from", 0, "First entry id (0 = chain start)")
	cmd.Int64Var(&to, "to", 0, "Last entry id (0 = chain head)")
	cmd.StringVar(&target, "target", "", "Archive URL, file://dir or s3://bucket/prefix (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if target == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -target is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := observability.NewLogger(stderr, cfg.LogLevel)

	ctx := context.Background()
	archive, err := openArchive(ctx, cfg, target)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	led, closeLedger, err := openLedger(ctx, cfg, logger, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeLedger()

	if err := led.Initialize(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: initialize ledger: %v\n", err)
		return 2
	}

	// A segment of a chain that does not verify proves nothing.
	report, err := led.VerifyChain(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verify chain: %v\n", err)
		return 2
	}
	if !report.Valid {
		_, _ = fmt.Fprintf(stderr, "Error: chain broken at entry %d; run `failsafed verify` first\n", report.FirstBadID)
		return 2
	}

	entries, err := led.Entries(ctx, from, to)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read entries: %v\n", err)
		return 2
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: no entries in range")
		return 2
	}

	root, err := ledger.SegmentRoot(entries)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: merkle root: %v\n", err)
		return 2
	}
	bundle := exportBundle{
		RangeStart: entries[0].ID,
		RangeEnd:   entries[len(entries)-1].ID,
		HeadHash:   led.Head(),
		MerkleRoot: root,
		Entries:    entries,
	}
	data, err := canonical.Marshal(bundle)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode bundle: %v\n", err)
		return 2
	}

	ref, err := archive.Store(ctx, data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: store bundle: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "%s✅ exported%s entries %d..%d (%d) -> %s\n",
		ColorBold+ColorGreen, ColorReset, bundle.RangeStart, bundle.RangeEnd, len(entries), ref)
	return 0
}

// openArchive resolves the -target URL to a blob store.
func openArchive(ctx context.Context, cfg *config.Config, target string) (store.Archive, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", target, err)
	}
	switch u.Scheme {
	case "file":
		dir := u.Path
		if u.Host != "" { // file://relative/dir parses the first segment as host
			dir = filepath.Join(u.Host, strings.TrimPrefix(u.Path, "/"))
		}
		if dir == "" {
			return nil, fmt.Errorf("target %q names no directory", target)
		}
		return store.NewFileArchive(dir)
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("target %q names no bucket", target)
		}
		return store.NewS3Archive(ctx, store.S3Config{
			Bucket:   u.Host,
			Prefix:   strings.Trim(u.Path, "/"),
			Endpoint: cfg.S3Endpoint,
		})
	default:
		return nil, fmt.Errorf("target scheme %q is not file or s3", u.Scheme)
	}
}
