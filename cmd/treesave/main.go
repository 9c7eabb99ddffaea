package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tis24dev/treesave/internal/backup"
	"github.com/tis24dev/treesave/internal/cli"
	"github.com/tis24dev/treesave/internal/config"
	"github.com/tis24dev/treesave/internal/logging"
	"github.com/tis24dev/treesave/internal/orchestrator"
	"github.com/tis24dev/treesave/internal/schedule"
	"github.com/tis24dev/treesave/internal/storage"
	"github.com/tis24dev/treesave/internal/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	args, err := cli.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesave: %v\n\n", err)
		cli.PrintHelp(os.Stderr, os.Args[0])
		return types.ExitError.Int()
	}
	if args.ShowVersion {
		cli.PrintVersion(os.Stdout)
		return types.ExitSuccess.Int()
	}
	if args.ShowHelp {
		cli.PrintHelp(os.Stdout, os.Args[0])
		return types.ExitSuccess.Int()
	}

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesave: %v\n", err)
		return types.ExitError.Int()
	}
	if args.DryRun {
		cfg.DryRun = true
	}
	if args.LogLevel != types.LogLevelNone {
		cfg.DebugLevel = args.LogLevel
	}

	useColor := cfg.UseColor && term.IsTerminal(int(os.Stdout.Fd()))
	logger := logging.New(cfg.DebugLevel, useColor)
	logging.SetDefaultLogger(logger)

	if err := openRunLog(logger, cfg); err != nil {
		logger.Warning("Continuing without log file: %v", err)
	}
	defer logger.CloseLogFile()

	// SIGINT and SIGTERM cancel the context; the controller releases the
	// lock and exits with the interrupted status.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warning("Received signal %v, shutting down", sig)
		cancel()
	}()

	controller := orchestrator.New(cfg, logger)

	switch args.Command {
	case cli.CommandBackup:
		code, _ := controller.RunBackup(ctx, args.SourcePath)
		return code.Int()

	case cli.CommandList:
		return listArchives(ctx, cfg, logger).Int()

	case cli.CommandRestore:
		code, _ := controller.RunRestore(ctx, args.ArchiveRef, args.RestoreDest)
		return code.Int()

	case cli.CommandSchedule:
		scheduler, err := schedule.New(logger, args.CronSpec)
		if err != nil {
			logger.Failed("%v", err)
			return types.ExitError.Int()
		}
		err = scheduler.Run(ctx, func(runCtx context.Context) (types.ExitCode, error) {
			return controller.RunBackup(runCtx, args.SourcePath)
		})
		if err == context.Canceled {
			return types.ExitInterrupted.Int()
		}
		return types.ExitSuccess.Int()

	default:
		cli.PrintHelp(os.Stderr, os.Args[0])
		return types.ExitError.Int()
	}
}

// openRunLog opens the configured log file, or a per-run timestamped one
// when no fixed name is set.
func openRunLog(logger *logging.Logger, cfg *config.Config) error {
	if cfg.LogPath == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.LogPath, 0700); err != nil {
		return err
	}
	name := cfg.LogFile
	if name == "" {
		name = fmt.Sprintf("treesave-%s.log", time.Now().Format("2006-01-02-1504"))
	}
	return logger.OpenLogFile(filepath.Join(cfg.LogPath, name))
}

// listArchives prints the destination listing, newest first.
func listArchives(ctx context.Context, cfg *config.Config, logger *logging.Logger) types.ExitCode {
	repo := storage.NewRepository(cfg.BackupPath, logger)
	backups, err := repo.List(ctx)
	if err != nil {
		logger.Failed("Failed to list archives: %v", err)
		return types.ExitError
	}
	if len(backups) == 0 {
		logger.Info("No archives in %s", cfg.BackupPath)
		return types.ExitSuccess
	}

	for _, b := range backups {
		verified := " "
		if b.SidecarPath != "" {
			verified = "*"
		}
		fmt.Printf("%s  %s %10s  %s\n",
			b.Timestamp.Format("2006-01-02 15:04"), verified,
			backup.FormatBytes(b.Size), b.Filename)
	}
	fmt.Printf("%d archive(s) in %s (* = checksum sidecar present)\n", len(backups), cfg.BackupPath)
	return types.ExitSuccess
}
