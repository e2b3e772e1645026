package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/radiusdt/marketing-analytics/internal/database"
	"github.com/radiusdt/marketing-analytics/internal/etl"
	"github.com/radiusdt/marketing-analytics/internal/httpserver"
	"github.com/radiusdt/marketing-analytics/internal/models"
	"github.com/radiusdt/marketing-analytics/internal/reporting"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "analytics",
		Usage: "Marketing metrics pipeline: hourly loads, daily aggregates and KPI reports",
		Commands: []*cli.Command{
			serveCommand(),
			runSliceCommand(),
			backfillCommand(),
			refreshCommand(),
			archiveCommand(),
			reportCommand(),
			migrateCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.Run(ctx, args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// ---- serve ----

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the hourly scheduler, the daily archive and the ops HTTP listener",
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			return runServe(ctx, a)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	a.logger.Info("Starting marketing analytics",
		zap.String("env", a.cfg.Server.Env),
		zap.String("addr", a.cfg.Server.Addr),
		zap.String("facts_driver", a.cfg.FactsDriver),
		zap.Bool("redis", a.conns.Redis != nil),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr: a.cfg.Server.Addr,
		Handler: httpserver.NewServer(&httpserver.Dependencies{
			Health: a.conns,
			Config: a.cfg,
			Logger: a.logger,
		}),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	scheduler := etl.NewScheduler(a.pipeline, a.archiver, a.cfg.ETL, a.logger)
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	go a.reportDBStats(ctx, 15*time.Second)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case runErr = <-errCh:
		a.logger.Error("Stopping after failure", zap.Error(runErr))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Server forced to shutdown", zap.Error(err))
	}

	a.logger.Info("Server stopped")
	return runErr
}

// ---- run-slice ----

func runSliceCommand() *cli.Command {
	return &cli.Command{
		Name:  "run-slice",
		Usage: "Extract, load and refresh one slice (default: the previous full hour)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "at", Usage: "execution time (RFC3339); the slice is the hour before it"},
			&cli.StringFlag{Name: "start", Usage: "explicit slice start on the hour (RFC3339)"},
			&cli.StringFlag{Name: "end", Usage: "explicit slice end on the hour (RFC3339)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			slice, err := sliceFromFlags(c)
			if err != nil {
				return err
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.pipeline.RunSlice(ctx, slice)
			if result != nil {
				if perr := printJSON(result); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func sliceFromFlags(c *cli.Command) (etl.Slice, error) {
	if c.String("start") != "" || c.String("end") != "" {
		start, err := parseTime(c.String("start"))
		if err != nil {
			return etl.Slice{}, fmt.Errorf("--start: %w", err)
		}
		end, err := parseTime(c.String("end"))
		if err != nil {
			return etl.Slice{}, fmt.Errorf("--end: %w", err)
		}
		slice := etl.Slice{Start: start, End: end}
		return slice, slice.Validate()
	}

	at := time.Now()
	if c.String("at") != "" {
		t, err := parseTime(c.String("at"))
		if err != nil {
			return etl.Slice{}, fmt.Errorf("--at: %w", err)
		}
		at = t
	}
	return etl.HourSlice(at), nil
}

// ---- backfill ----

func backfillCommand() *cli.Command {
	return &cli.Command{
		Name:  "backfill",
		Usage: "Load a time range slice by slice, then refresh every touched day",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start", Required: true, Usage: "range start on the hour (RFC3339 or YYYY-MM-DD)"},
			&cli.StringFlag{Name: "end", Required: true, Usage: "range end on the hour, exclusive (RFC3339 or YYYY-MM-DD)"},
			&cli.IntFlag{Name: "parallelism", Usage: "concurrent slices (default from ANALYTICS_ETL_BACKFILL_PARALLELISM)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			start, err := parseTime(c.String("start"))
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			end, err := parseTime(c.String("end"))
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			if err := (etl.Slice{Start: start, End: end}).Validate(); err != nil {
				return err
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			parallelism := c.Int("parallelism")
			if parallelism <= 0 {
				parallelism = a.cfg.ETL.BackfillParallelism
			}

			out, err := a.pipeline.Backfill(ctx, start, end, parallelism)
			if out != nil {
				if perr := printJSON(out); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

// ---- refresh ----

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Recompute the daily aggregates of an inclusive date range",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start-date", Required: true, Usage: "first day (YYYY-MM-DD)"},
			&cli.StringFlag{Name: "end-date", Usage: "last day (YYYY-MM-DD), defaults to start-date"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			start, err := parseTime(c.String("start-date"))
			if err != nil {
				return fmt.Errorf("--start-date: %w", err)
			}
			end := start
			if c.String("end-date") != "" {
				if end, err = parseTime(c.String("end-date")); err != nil {
					return fmt.Errorf("--end-date: %w", err)
				}
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			outcome, err := a.pipeline.RefreshRange(ctx, start, end)
			if err != nil {
				return err
			}
			return printJSON(outcome)
		},
	}
}

// ---- archive ----

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Snapshot one day of raw facts into archive tables and apply retention",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "day", Usage: "day to archive (YYYY-MM-DD), defaults to yesterday UTC"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			day := models.DateOf(time.Now()).AddDate(0, 0, -1)
			if c.String("day") != "" {
				t, err := parseTime(c.String("day"))
				if err != nil {
					return fmt.Errorf("--day: %w", err)
				}
				day = t
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if a.archiver == nil {
				return fmt.Errorf("archive is not supported with facts driver %q", a.cfg.FactsDriver)
			}
			outcome, err := a.archiver.Archive(ctx, day)
			if err != nil {
				return err
			}
			return printJSON(outcome)
		},
	}
}

// ---- report ----

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Print the aggregate tables and KPIs for a date range as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start-date", Usage: "first day (YYYY-MM-DD)"},
			&cli.StringFlag{Name: "end-date", Usage: "last day (YYYY-MM-DD)"},
			&cli.Int64Flag{Name: "channel", Usage: "restrict campaign and channel views to a channel id"},
			&cli.Int64Flag{Name: "segment", Usage: "restrict segment views to a segment id"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			var q reporting.MetricsQuery
			if s := c.String("start-date"); s != "" {
				t, err := parseTime(s)
				if err != nil {
					return fmt.Errorf("--start-date: %w", err)
				}
				q.StartDate = &t
			}
			if s := c.String("end-date"); s != "" {
				t, err := parseTime(s)
				if err != nil {
					return fmt.Errorf("--end-date: %w", err)
				}
				q.EndDate = &t
			}
			if c.IsSet("channel") {
				id := c.Int64("channel")
				q.ChannelID = &id
			}
			if c.IsSet("segment") {
				id := c.Int64("segment")
				q.SegmentID = &id
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.reports.GetMetrics(ctx, q)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

// ---- migrate ----

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := database.NewPostgresDB(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer db.Close()

			return db.Migrate(ctx)
		},
	}
}

// ---- helpers ----

// parseTime accepts RFC3339 or a bare YYYY-MM-DD date (UTC midnight).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
