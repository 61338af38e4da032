// Command oddsctl is the operator tool for the backfill queue.
//
//	oddsctl [-config path] enqueue -market <id> [-since <unix|rfc3339>]
//	oddsctl dead-letters [-limit n]
//	oddsctl requeue (-id <job id> | -all)
//	oddsctl recover
//	oddsctl export
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/oddsfeed/internal/app"
	"github.com/alanyoungcy/oddsfeed/internal/backfill"
	"github.com/alanyoungcy/oddsfeed/internal/config"
	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

const usage = `usage: oddsctl [-config path] <command> [flags]

commands:
  enqueue       queue a history backfill for every active token of a market
  dead-letters  list dead-lettered jobs
  requeue       move dead-lettered jobs back onto the queue
  recover       return orphaned processing jobs to the queue
  export        upload every dead letter to object storage as NDJSON
`

// listAll bounds the dead letters read by requeue and export.
const listAll = 100000

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "enqueue":
		err = runEnqueue(ctx, deps, args, logger)
	case "dead-letters":
		err = runDeadLetters(ctx, deps.Queue, args)
	case "requeue":
		err = runRequeue(ctx, deps.Queue, args)
	case "recover":
		var n int
		if n, err = deps.Queue.Recover(ctx); err == nil {
			fmt.Printf("recovered %d job(s)\n", n)
		}
	case "export":
		err = runExport(ctx, cfg, deps.Queue)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		cleanup()
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "oddsctl: %v\n", err)
	os.Exit(1)
}

func runEnqueue(ctx context.Context, deps *app.Dependencies, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	market := fs.String("market", "", "market id")
	since := fs.String("since", "", "only fetch history from this time (unix seconds or RFC3339)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *market == "" {
		return fmt.Errorf("enqueue: -market is required")
	}
	start, err := parseSince(*since)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	ids, err := backfill.NewEnqueuer(deps.Queue, deps.Mappings, logger).EnqueueForMarket(ctx, *market, start)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	fmt.Printf("enqueued %d job(s) for market %s\n", len(ids), *market)
	for _, id := range ids {
		fmt.Println(" ", id)
	}
	return nil
}

func runDeadLetters(ctx context.Context, q domain.JobQueue, args []string) error {
	fs := flag.NewFlagSet("dead-letters", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dls, err := q.DeadLetters(ctx, *limit)
	if err != nil {
		return fmt.Errorf("dead-letters: %w", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		return fmt.Errorf("dead-letters: %w", err)
	}
	fmt.Printf("queued=%d processing=%d dead=%d\n", stats.Queued, stats.Processing, stats.Dead)
	renderDeadLetters(os.Stdout, dls)
	return nil
}

func runRequeue(ctx context.Context, q domain.JobQueue, args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	id := fs.String("id", "", "job id to requeue")
	all := fs.Bool("all", false, "requeue every dead letter")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" && !*all {
		return fmt.Errorf("requeue: one of -id or -all is required")
	}

	dls, err := q.DeadLetters(ctx, listAll)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	moved := 0
	for _, dl := range selectDeadLetters(dls, *id, *all) {
		if err := q.Requeue(ctx, dl); err != nil {
			return fmt.Errorf("requeue %s: %w", dl.Job.ID, err)
		}
		moved++
	}
	if *id != "" && moved == 0 {
		return fmt.Errorf("requeue: job %s: %w", *id, domain.ErrNotFound)
	}
	fmt.Printf("requeued %d job(s)\n", moved)
	return nil
}

func runExport(ctx context.Context, cfg *config.Config, q domain.JobQueue) error {
	if cfg.S3.Bucket == "" {
		return fmt.Errorf("export: s3.bucket is not configured")
	}
	archive, err := app.NewDeadLetterArchive(ctx, cfg.S3)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	dls, err := q.DeadLetters(ctx, listAll)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	key, err := archive.Export(ctx, dls, time.Now())
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Printf("exported %d dead letter(s) to %s\n", len(dls), key)
	return nil
}

// selectDeadLetters picks the entries a requeue applies to.
func selectDeadLetters(dls []domain.DeadLetter, id string, all bool) []domain.DeadLetter {
	if all {
		return dls
	}
	var out []domain.DeadLetter
	for _, dl := range dls {
		if dl.Job.ID == id {
			out = append(out, dl)
		}
	}
	return out
}

func renderDeadLetters(w io.Writer, dls []domain.DeadLetter) {
	table := tablewriter.NewWriter(w)
	table.Header("Job", "Market", "Outcome", "Token", "Attempts", "Failed", "Reason")
	for _, dl := range dls {
		table.Append(
			dl.Job.ID,
			dl.Job.MarketID,
			dl.Job.OutcomeID,
			dl.Job.TokenID,
			strconv.Itoa(dl.Job.Attempts),
			dl.FailedAt.UTC().Format(time.RFC3339),
			truncate(dl.Reason, 60),
		)
	}
	table.Render()
}

func parseSince(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid -since %q", s)
	}
	return &t, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
