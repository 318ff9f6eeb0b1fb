package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/go-drover/internal/config"
	"github.com/basket/go-drover/internal/persistence"
)

type historyReport struct {
	Runs        []persistence.Run        `json:"runs"`
	Generations []persistence.Generation `json:"generations"`
}

func runHistoryCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "print JSON")
	limit := fs.Int("n", 20, "number of rows per section")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 || *limit <= 0 {
		fmt.Fprintln(os.Stderr, "usage: drover history [-json] [-n N]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if !cfg.History() {
		fmt.Fprintln(os.Stderr, "run history is disabled (history_enabled: false)")
		return 1
	}
	store, err := persistence.Open(cfg.HistoryDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open history: %v\n", err)
		return 1
	}
	defer store.Close()

	report, err := loadHistory(ctx, store, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return 1
	}
	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}
	writeHistory(stdout, report)
	return 0
}

func loadHistory(ctx context.Context, store *persistence.Store, limit int) (historyReport, error) {
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return historyReport{}, err
	}
	gens, err := store.ListGenerations(ctx, limit)
	if err != nil {
		return historyReport{}, err
	}
	return historyReport{Runs: runs, Generations: gens}, nil
}

func writeHistory(w io.Writer, report historyReport) {
	fmt.Fprintln(w, "Runs:")
	if len(report.Runs) == 0 {
		fmt.Fprintln(w, "  (none)")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  STARTED\tTASK\tGEN\tOUTCOME\tDURATION\tDETAIL")
		for _, r := range report.Runs {
			outcome, dur := "running", "-"
			if r.EndedAt != nil {
				outcome = r.Outcome
				dur = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\t%s\t%s\n",
				r.StartedAt.Local().Format(time.DateTime), r.TypeName, r.Generation, outcome, dur, r.Detail)
		}
		_ = tw.Flush()
	}

	fmt.Fprintln(w, "Generations:")
	if len(report.Generations) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  BUILT\tGEN\tTASKS\tSKIPPED\tSOURCE")
	for _, g := range report.Generations {
		fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t%s\n",
			g.BuiltAt.Local().Format(time.DateTime), g.Generation, g.Descriptors, g.Skipped, g.Source)
	}
	_ = tw.Flush()
}
