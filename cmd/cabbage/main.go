// Command cabbage runs the task queue.
//
// Subcommands:
//
//	worker   — claim and execute jobs from one queue until SIGTERM/SIGINT
//	migrate  — run pending database migrations and exit
//	defer    — enqueue the demo tasks (producer side of the demo)
//	jobs     — list jobs, optionally filtered by queue/status/task/lock
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that time handling
	// works inside distroless containers that have no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/peopledoc/cabbage/internal/config"
	"github.com/peopledoc/cabbage/internal/store"
	"github.com/peopledoc/cabbage/internal/task"
	"github.com/peopledoc/cabbage/internal/worker"
	"github.com/peopledoc/cabbage/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "cabbage",
		Short: "cabbage — a PostgreSQL-backed deferred task queue",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		migrateCmd(),
		deferCmd(),
		jobsCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	var (
		queue   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute jobs from one queue until SIGTERM/SIGINT",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, queue, timeout)
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue to subscribe to (default CABBAGE_QUEUE)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "max wait for a notification before polling anyway (default CABBAGE_LISTEN_TIMEOUT)")
	return cmd
}

func runWorker(cmd *cobra.Command, queue string, timeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if queue == "" {
		queue = cfg.Queue
	}
	if timeout <= 0 {
		timeout = cfg.ListenTimeout
	}

	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := task.NewRegistry()
	st := store.New(db, reg)
	if err := reg.Bind(st); err != nil {
		return err
	}
	if err := registerDemoTasks(reg); err != nil {
		return err
	}

	w := worker.New(st, reg, queue, worker.StaleRecovery{
		Enabled:       cfg.StaleRecoveryEnabled,
		CheckInterval: cfg.StaleCheckInterval,
		Threshold:     cfg.StaleThreshold,
	})

	// Blocks until ctx is cancelled by a signal, then drains the in-flight
	// job and returns.
	return w.Run(ctx, timeout)
}

// ── defer ─────────────────────────────────────────────────────────────────────

func deferCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defer",
		Short: "Enqueue the demo tasks (producer side of the demo)",
		RunE:  runDefer,
	}
}

func runDefer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	reg := task.NewRegistry()
	st := store.New(db, reg)
	if err := reg.Bind(st); err != nil {
		return err
	}
	if err := registerDemoTasks(reg); err != nil {
		return err
	}

	ctx := cmd.Context()
	sum, _ := reg.Lookup("sum")
	product, _ := reg.Lookup("product")
	sleep, _ := reg.Lookup("sleep")

	for _, args := range []task.Args{
		{"a": 3, "b": 5},
		{"a": 5, "b": 7},
	} {
		job, err := sum.Defer(ctx, args)
		if err != nil {
			return err
		}
		slog.Info("deferred", "task", "sum", "job_id", job.ID)
	}

	job, err := product.Defer(ctx, task.Args{"a": 2, "b": 8})
	if err != nil {
		return err
	}
	slog.Info("deferred", "task", "product", "job_id", job.ID)

	// Three jobs sharing one lock key: they will execute strictly
	// sequentially, in id order, no matter how many workers run.
	for _, seconds := range []int{10, 12, 14} {
		job, err := sleep.Defer(ctx, task.Args{"lock": "a", "seconds": seconds})
		if err != nil {
			return err
		}
		slog.Info("deferred", "task", "sleep", "job_id", job.ID, "lock", "a")
	}
	return nil
}

// registerDemoTasks declares the demo task set: sum and sleep on queue
// "sums", product on queue "products".
func registerDemoTasks(reg *task.Registry) error {
	_, err := reg.NewTask("sum", "sums",
		func(_ context.Context, run task.Run) task.Outcome {
			a, aErr := asFloat(run.Args["a"])
			b, bErr := asFloat(run.Args["b"])
			if aErr != nil || bErr != nil {
				return task.Failure(errors.Join(aErr, bErr))
			}
			slog.Info("sum computed", "job_id", run.JobID, "result", a+b)
			return task.Success()
		},
		task.WithParams(task.Required("a"), task.Required("b")),
	)
	if err != nil {
		return err
	}

	_, err = reg.NewTask("sleep", "sums",
		func(ctx context.Context, run task.Run) task.Outcome {
			seconds, err := asFloat(run.Args["seconds"])
			if err != nil {
				return task.Failure(err)
			}
			select {
			case <-time.After(time.Duration(seconds * float64(time.Second))):
				return task.Success()
			case <-ctx.Done():
				return task.Failure(ctx.Err())
			}
		},
		task.WithParams(task.Required("seconds")),
	)
	if err != nil {
		return err
	}

	_, err = reg.NewTask("product", "products",
		func(_ context.Context, run task.Run) task.Outcome {
			a, aErr := asFloat(run.Args["a"])
			b, bErr := asFloat(run.Args["b"])
			if aErr != nil || bErr != nil {
				return task.Failure(errors.Join(aErr, bErr))
			}
			slog.Info("product computed", "job_id", run.JobID, "result", a*b)
			return task.Success()
		},
		task.WithParams(task.Required("a"), task.Required("b")),
	)
	return err
}

// asFloat coerces a JSON-decoded argument to float64. Numbers arrive as
// float64 after a JSON round trip but may be typed ints straight from Defer.
func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// ── jobs ──────────────────────────────────────────────────────────────────────

func jobsCmd() *cobra.Command {
	var (
		queue    string
		status   string
		taskName string
		lock     string
		limit    uint64
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, optionally filtered",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			st := store.New(db, nil)
			jobs, err := st.ListJobs(cmd.Context(), store.JobFilter{
				Queue:    queue,
				TaskName: taskName,
				Status:   store.Status(status),
				Lock:     lock,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			for _, j := range jobs {
				lockVal := ""
				if j.Lock != nil {
					lockVal = *j.Lock
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\t%s\tattempts=%d\n",
					j.ID, j.Queue, j.TaskName, j.Status, lockVal, j.Attempts)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "filter by queue")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (todo|doing|succeeded|failed)")
	cmd.Flags().StringVar(&taskName, "task", "", "filter by task name")
	cmd.Flags().StringVar(&lock, "lock", "", "filter by lock key")
	cmd.Flags().Uint64Var(&limit, "limit", 100, "maximum rows returned")
	return cmd
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool. Retries a few times with linear
// backoff to handle container-orchestration startup races where Postgres is
// not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}
	return db, nil
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
