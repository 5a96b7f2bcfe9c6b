// Package main is the device-side sync agent CLI.
//
//	roadsync-agent [-config path] <command> [args]
//
// Commands: run, sync, read <kind>, submit, pending, flush, clear.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"roadsync/config"
	"roadsync/internal/agent"
	"roadsync/internal/core"
	"roadsync/internal/logging"
	"roadsync/internal/syncengine"
)

const usage = `usage: roadsync-agent [-config path] <command> [args]

commands:
  run                   keep syncing until interrupted
  sync                  refresh every resource once
  read <kind> [-force]  read one resource (roads_details, roadworks, reports, statistics, users)
  submit                submit a report read as JSON from stdin
  pending               list queued reports
  flush                 replay queued reports
  clear                 drop every cached resource
`

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the optional YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize agent", "error", err)
		os.Exit(1)
	}

	err = run(ctx, a, flag.Args(), os.Stdin, os.Stdout)
	if closeErr := a.Close(); closeErr != nil {
		slog.Error("agent close error", "error", closeErr)
	}
	if err != nil {
		slog.Error("command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *agent.Agent, args []string, stdin io.Reader, stdout io.Writer) error {
	cmd, rest := args[0], args[1:]
	if cmd != "run" {
		a.CheckConnectivity(ctx)
	}

	switch cmd {
	case "run":
		return a.Run(ctx)

	case "sync":
		results := a.Engine().SyncAll(ctx)
		out := make(map[core.ResourceKind]map[string]any, len(results))
		for kind, r := range results {
			out[kind] = map[string]any{"source": r.Source, "stale": r.Stale}
		}
		return printJSON(stdout, out)

	case "read":
		fs := flag.NewFlagSet("read", flag.ContinueOnError)
		force := fs.Bool("force", false, "bypass the cache")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("read requires exactly one resource kind")
		}
		kind, err := core.ParseResourceKind(fs.Arg(0))
		if err != nil {
			return err
		}
		r, err := a.Engine().Read(ctx, kind, syncengine.ReadOptions{ForceRefresh: *force})
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"source": r.Source, "stale": r.Stale, "data": r.Snapshot})

	case "submit":
		var sub core.ReportSubmission
		if err := json.NewDecoder(stdin).Decode(&sub); err != nil {
			return fmt.Errorf("decode submission: %w", err)
		}
		out := a.Queue().Submit(ctx, sub, a.OwnerID())
		if out.Err != nil {
			return out.Err
		}
		a.Engine().FlushMirror(ctx)
		return printJSON(stdout, map[string]any{"success": out.Success, "offline": out.Offline, "id": out.ID, "report": out.Report})

	case "pending":
		items, err := a.Queue().Pending(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, items)

	case "flush":
		return printJSON(stdout, a.Queue().Flush(ctx))

	case "clear":
		a.Engine().Clear(ctx)
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
