package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/qorelogic/failsafe/pkg/config"
	"github.com/qorelogic/failsafe/pkg/observability"
)

// runVerifyCmd implements `failsafed verify`: replays the whole hash
// chain against the configured backend and reports the first break.
//
// Exit codes:
//
//	0 = chain valid
//	2 = chain broken or runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		ack        bool
		jsonOutput bool
	)
	cmd.BoolVar(&ack, "ack", false, "Acknowledge a broken chain after review, re-enabling appends")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := observability.NewLogger(stderr, cfg.LogLevel)

	ctx := context.Background()
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

	report, err := led.VerifyChain(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verify chain: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		_, _ = fmt.Fprintf(stdout, "%s✅ ledger chain verified%s (%d entries, head %s)\n",
			ColorBold+ColorGreen, ColorReset, report.EntriesChecked, led.Head())
	} else {
		_, _ = fmt.Fprintf(stdout, "%s❌ ledger chain BROKEN%s at entry %d (%d verified)\n",
			ColorBold+ColorRed, ColorReset, report.FirstBadID, report.EntriesChecked)
	}

	if report.Valid {
		return 0
	}
	if ack {
		if err := led.Acknowledge(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: acknowledge: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintln(stdout, "Broken chain acknowledged; appends re-enabled.")
	}
	return 2
}
