package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/leadpipe/flowstate/internal/logging"
	"github.com/leadpipe/flowstate/internal/scheduler"
	"github.com/leadpipe/flowstate/internal/store"
	"github.com/leadpipe/flowstate/pkg/schema"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cmd := &cli.Command{
		Name:  "flowstate",
		Usage: "Operate the workflow execution state store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-path",
				Usage:   "Path to the state database file",
				Value:   cfg.DBPath,
				Sources: cli.EnvVars("FLOWSTATE_DB_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   cfg.LogLevel,
				Sources: cli.EnvVars("FLOWSTATE_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "Apply pending schema migrations",
				Action: func(ctx context.Context, command *cli.Command) error {
					s, logger, err := openStore(command)
					if err != nil {
						return err
					}
					defer s.Close()
					logger.Info("migrations applied", slog.String("db_path", command.String("db-path")))
					return nil
				},
			},
			{
				Name:  "stats",
				Usage: "Print execution statistics",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "workflow", Usage: "Restrict to one workflow ID"},
					&cli.IntFlag{Name: "days", Usage: "Window in days", Value: 30},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					s, logger, err := openStore(command)
					if err != nil {
						return err
					}
					defer s.Close()
					stats, err := store.NewQueryService(s, logger).Statistics(ctx,
						command.String("workflow"), int(command.Int("days")))
					if err != nil {
						return err
					}
					return printJSON(stats)
				},
			},
			{
				Name:  "cleanup",
				Usage: "Run one retention sweep now",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Usage: "Retention window in days", Value: cfg.RetentionDays},
					&cli.BoolFlag{Name: "keep-failed", Usage: "Protect failed and error executions", Value: cfg.KeepFailed},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					s, logger, err := openStore(command)
					if err != nil {
						return err
					}
					defer s.Close()
					result, err := store.NewRetentionManager(s, logger).Cleanup(ctx,
						int(command.Int("days")), command.Bool("keep-failed"))
					if err != nil {
						return err
					}
					return printJSON(result)
				},
			},
			{
				Name:  "sweep",
				Usage: "Run the retention sweeper on a cron schedule until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "schedule", Usage: "Cron expression", Value: cfg.SweepSchedule},
					&cli.IntFlag{Name: "days", Usage: "Retention window in days", Value: cfg.RetentionDays},
					&cli.BoolFlag{Name: "keep-failed", Usage: "Protect failed and error executions", Value: cfg.KeepFailed},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					s, logger, err := openStore(command)
					if err != nil {
						return err
					}
					defer s.Close()

					sweeper, err := scheduler.NewSweeper(
						store.NewRetentionManager(s, logger),
						scheduler.Policy{
							CronExpression: command.String("schedule"),
							DaysToKeep:     int(command.Int("days")),
							KeepFailed:     command.Bool("keep-failed"),
						},
						logger,
					)
					if err != nil {
						return err
					}

					runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
					defer stop()
					if err := sweeper.Start(runCtx); err != nil {
						return err
					}
					<-runCtx.Done()
					return sweeper.Stop()
				},
			},
			{
				Name:      "backup",
				Usage:     "Write an online snapshot of the store",
				ArgsUsage: "PATH",
				Action: func(ctx context.Context, command *cli.Command) error {
					path := command.Args().First()
					if path == "" {
						return fmt.Errorf("backup: missing PATH argument")
					}
					s, logger, err := openStore(command)
					if err != nil {
						return err
					}
					defer s.Close()
					bc, err := store.NewBackupCoordinator(s, logger)
					if err != nil {
						return err
					}
					return bc.Backup(ctx, path)
				},
			},
			{
				Name:      "restore",
				Usage:     "Replace store contents from a backup (safety snapshot taken first)",
				ArgsUsage: "PATH",
				Action: func(ctx context.Context, command *cli.Command) error {
					path := command.Args().First()
					if path == "" {
						return fmt.Errorf("restore: missing PATH argument")
					}
					s, logger, err := openStore(command)
					if err != nil {
						return err
					}
					defer s.Close()
					bc, err := store.NewBackupCoordinator(s, logger)
					if err != nil {
						return err
					}
					return bc.Restore(ctx, path)
				},
			},
			{
				Name:  "export",
				Usage: "Export one execution as a JSON bundle",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "execution", Usage: "Execution ID", Required: true},
					&cli.BoolFlag{Name: "events", Usage: "Include audit events", Value: true},
					&cli.BoolFlag{Name: "checkpoints", Usage: "Include checkpoints", Value: true},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					s, logger, err := openStore(command)
					if err != nil {
						return err
					}
					defer s.Close()
					bc, err := store.NewBackupCoordinator(s, logger)
					if err != nil {
						return err
					}
					bundle, err := bc.Export(ctx, command.String("execution"),
						command.Bool("events"), command.Bool("checkpoints"))
					if err != nil {
						return err
					}
					return printJSON(bundle)
				},
			},
			{
				Name:      "import",
				Usage:     "Import an execution bundle produced by export",
				ArgsUsage: "FILE",
				Action: func(ctx context.Context, command *cli.Command) error {
					file := command.Args().First()
					if file == "" {
						return fmt.Errorf("import: missing FILE argument")
					}
					data, err := os.ReadFile(file)
					if err != nil {
						return fmt.Errorf("read bundle: %w", err)
					}
					s, logger, err := openStore(command)
					if err != nil {
						return err
					}
					defer s.Close()
					bc, err := store.NewBackupCoordinator(s, logger)
					if err != nil {
						return err
					}
					return bc.Import(ctx, data)
				},
			},
			{
				Name:  "events",
				Usage: "Print the audit trail of one execution",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "execution", Usage: "Execution ID", Required: true},
					&cli.StringFlag{Name: "type", Usage: "Restrict to one event type"},
					&cli.StringFlag{Name: "filter", Usage: "jq expression applied to each event payload"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					s, logger, err := openStore(command)
					if err != nil {
						return err
					}
					defer s.Close()
					el := store.NewEventLog(s, logger)

					var events []*store.Event
					if expr := command.String("filter"); expr != "" {
						events, err = el.FilterEvents(ctx, command.String("execution"), expr)
					} else {
						events, err = el.Events(ctx, command.String("execution"), command.String("type"))
					}
					if err != nil {
						return err
					}
					return printJSON(events)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		if fe, ok := err.(*schema.FlowError); ok && fe.Code == schema.ErrCodeNotFound {
			fmt.Fprintln(os.Stderr, fe.Error())
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens and migrates the database named by the db-path flag,
// creating the parent directory if needed.
func openStore(command *cli.Command) (*store.LibSQLStore, *slog.Logger, error) {
	logger := newLogger(command.String("log-level"))

	path := command.String("db-path")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create db directory: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return s, logger, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
