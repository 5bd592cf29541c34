package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/coopledger/coopledger/cmd/coopledger/cli"
	"github.com/coopledger/coopledger/internal/app"
	"github.com/coopledger/coopledger/internal/closing"
	"github.com/coopledger/coopledger/internal/ledger"
	"github.com/coopledger/coopledger/internal/platform/cache"
	"github.com/coopledger/coopledger/internal/platform/db"
	"github.com/coopledger/coopledger/internal/shared"
)

const usage = `usage: coopledger <command> [flags]

commands:
  close     close fiscal periods (--coop, --period, --force, --dry-run, --auto, --yes, --json)
  migrate   apply schema migrations (up | down)
  jobs      trigger | stats | scheduled background jobs
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger := app.NewLoggerTo(cfg, stderr)

	switch args[0] {
	case "close":
		return runClose(ctx, cfg, logger, args[1:], stdin, stdout, stderr)
	case "migrate":
		return runMigrate(cfg, logger, args[1:], stderr)
	case "jobs":
		return runJobs(ctx, cfg, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		fmt.Fprint(stderr, usage)
		return 2
	}
}

func runClose(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("close", flag.ContinueOnError)
	fs.SetOutput(stderr)
	coop := fs.Int64("coop", 0, "cooperative id (0 for all)")
	period := fs.Int64("period", 0, "fiscal period id (0 for all open periods)")
	force := fs.Bool("force", false, "close despite validation errors or warnings")
	dryRun := fs.Bool("dry-run", false, "preview closing entries without writing")
	auto := fs.Bool("auto", false, "only periods whose end date has passed")
	yes := fs.Bool("yes", false, "accept warnings without prompting")
	jsonOut := fs.Bool("json", false, "print a JSON summary")
	actor := fs.Int64("actor", cfg.Closing.SystemUserID, "user id recorded on closing entries")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions("cli"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	svc := closing.NewService(ledger.NewRepository(pool), cfg.SystemAccounts(), logger)
	svc.WithAudit(shared.NewAuditLogger(pool))

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		// the FOR UPDATE row lock still serialises closers on the same database
		logger.Warn("redis unavailable, closing without distributed lock", slog.Any("error", err))
	} else {
		defer redisClient.Close()
		svc.WithLocker(shared.NewPeriodLocker(redisClient, cfg.Closing.LockTTL))
	}

	closer, err := cli.NewCloseCLI(svc)
	if err != nil {
		logger.Error("init close cli", slog.Any("error", err))
		return 1
	}
	return closer.CloseCommand(ctx, cli.CloseOptions{
		CooperativeID: *coop,
		PeriodID:      *period,
		ActorID:       *actor,
		Force:         *force,
		DryRun:        *dryRun,
		Auto:          *auto,
		AssumeYes:     *yes,
		JSONOutput:    *jsonOut,
		Stdout:        stdout,
		Stderr:        stderr,
		Stdin:         stdin,
	})
}

func runMigrate(cfg *app.Config, logger *slog.Logger, args []string, stderr io.Writer) int {
	direction := "up"
	if len(args) > 0 {
		direction = args[0]
	}
	if direction != "up" && direction != "down" {
		fmt.Fprintf(stderr, "migrate: unknown direction %q (expected up or down)\n", direction)
		return 2
	}
	changed, err := db.Migrate(cfg.PGDSN, direction == "down")
	if err != nil {
		logger.Error("migrate", slog.String("direction", direction), slog.Any("error", err))
		return 1
	}
	logger.Info("migrate finished", slog.String("direction", direction), slog.Bool("changed", changed))
	return 0
}

func runJobs(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "jobs: expected trigger, stats or scheduled")
		return 2
	}
	fs := flag.NewFlagSet("jobs "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	coop := fs.Int64("coop", 0, "cooperative id (0 for all)")
	force := fs.Bool("force", false, "close despite validation errors or warnings")
	size := fs.Int("size", 10, "number of scheduled tasks to list")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		fmt.Fprintf(stderr, "jobs: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		info, err := jobsCLI.TriggerPeriodClose(ctx, *coop, *force)
		if err != nil {
			fmt.Fprintf(stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "jobs stats: %v\n", err)
			return 1
		}
		return writeJSON(stdout, stderr, "jobs stats", stats)
	case "scheduled":
		tasks, err := jobsCLI.ListScheduled(ctx, *size)
		if err != nil {
			fmt.Fprintf(stderr, "jobs scheduled: %v\n", err)
			return 1
		}
		for _, task := range tasks {
			fmt.Fprintf(stdout, "%s %s next=%s\n", task.ID, task.Type, task.NextProcessAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	default:
		fmt.Fprintf(stderr, "jobs: unknown subcommand %q\n", args[0])
		return 2
	}
	return 0
}

func writeJSON(stdout, stderr io.Writer, label string, v any) int {
	if err := json.NewEncoder(stdout).Encode(v); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", label, err)
		return 1
	}
	return 0
}
