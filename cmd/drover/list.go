package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/basket/go-drover/internal/config"
	"github.com/basket/go-drover/internal/task"
	"github.com/basket/go-drover/internal/telemetry"
)

type listedTask struct {
	Abbreviation string `json:"abbreviation"`
	TypeName     string `json:"type_name"`
	Description  string `json:"description"`
}

func runListCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: drover list [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	listed, err := listTasks(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(listed); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}
	if len(listed) == 0 {
		fmt.Fprintf(stdout, "No tasks found in %s\n", cfg.ArchivePath)
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ABBREV\tTYPE\tDESCRIPTION")
	for _, l := range listed {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", l.Abbreviation, l.TypeName, l.Description)
	}
	_ = tw.Flush()
	return 0
}

// listTasks builds one registry generation and returns its descriptors.
func listTasks(ctx context.Context, cfg config.Config, logger *slog.Logger) ([]listedTask, error) {
	rt, err := newRuntime(cfg, logger, runtimeOptions{Out: task.OutputFunc(func(string) {})})
	if err != nil {
		return nil, err
	}
	defer rt.Close(ctx)

	if err := rt.registry.Build(ctx); err != nil {
		return nil, err
	}
	descs := rt.registry.Descriptors()
	listed := make([]listedTask, 0, len(descs))
	for _, d := range descs {
		listed = append(listed, listedTask{
			Abbreviation: d.Abbreviation,
			TypeName:     d.TypeName,
			Description:  d.Description,
		})
	}
	return listed, nil
}
