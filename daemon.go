package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldwork-tools/fieldsync/internal/background"
	"github.com/fieldwork-tools/fieldsync/internal/config"
	"github.com/fieldwork-tools/fieldsync/internal/connectivity"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the background sync daemon",
		Long: `Run the background sync loop: probe connectivity, watch for push
hints, and deliver queued operations on a timer, on SIGUSR1, or when
the wake file is touched.

Only one daemon runs per data directory; the pidfile enforces this.`,
		RunE: runDaemon,
	}

	cmd.AddCommand(newDaemonWakeCmd())
	cmd.AddCommand(newDaemonRegisterCmd())

	return cmd
}

func newDaemonWakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Ask the running daemon to sync now",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := sendWakeSignal(resolvedCfg.PidFile); err != nil {
				return err
			}

			statusf(flagQuiet, "Daemon woken.\n")

			return nil
		},
	}
}

func newDaemonRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <tag>",
		Short: "Persist a sync request for the daemon",
		Long: `Register a named sync request. The registration survives restarts
and is consumed once a sync completes, so a request made while offline
still fires after the next reconnect.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(resolvedCfg, buildLogger(), false)
			if err != nil {
				return err
			}
			defer a.close()

			trigger := background.NewTrigger(a.store, a.engine, a.monitor, background.Options{}, a.logger)
			if err := trigger.Register(cmd.Context(), args[0]); err != nil {
				return err
			}

			// Best effort: a running daemon picks it up immediately.
			if err := sendWakeSignal(resolvedCfg.PidFile); err != nil {
				statusf(flagQuiet, "Registered %q; no running daemon, will sync on next start.\n", args[0])

				return nil
			}

			statusf(flagQuiet, "Registered %q and woke the daemon.\n", args[0])

			return nil
		},
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	logger := buildDaemonLogger(resolvedCfg)

	a, err := buildApp(resolvedCfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	cleanup, err := writePIDFile(resolvedCfg.PidFile)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	trigger := background.NewTrigger(a.store, a.engine, a.monitor, background.Options{
		Interval: resolvedCfg.BgInterval,
		WakePath: resolvedCfg.WakeFile,
	}, logger)

	// Reconnects flush the queue without waiting for the timer.
	a.monitor.OnChange(func(online bool) {
		if online {
			trigger.Wake()
		}
	})

	// SIGUSR1 is the on-demand wake path for other processes.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)

	defer signal.Stop(sigCh)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.monitor.Run(ctx) })
	g.Go(func() error { return trigger.Run(ctx) })

	if resolvedCfg.PushURL != "" {
		push := connectivity.NewPushListener(resolvedCfg.PushURL, a.monitor, trigger.Wake, logger)
		g.Go(func() error { return push.Run(ctx) })
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sigCh:
				logger.Info("wake signal received")
				trigger.Wake()
			}
		}
	})

	logger.Info("daemon started",
		slog.String("data_dir", resolvedCfg.DataDir),
		slog.String("api", resolvedCfg.APIBaseURL),
	)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info("daemon stopped")

	return err
}

// buildDaemonLogger logs to a rotating file: the daemon usually runs
// detached, so stderr is a black hole. --verbose still wins for level.
func buildDaemonLogger(cfg *config.Resolved) *slog.Logger {
	logFile := cfg.Logging.LogFile
	if logFile == "" {
		logFile = config.LogPath(cfg.DataDir)
	}

	writer := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    cfg.Logging.LogMaxSizeMB,
		MaxBackups: cfg.Logging.LogMaxBackups,
	}

	level := slog.LevelInfo

	switch cfg.Logging.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Logging.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(writer, opts))
	}

	return slog.New(slog.NewJSONHandler(writer, opts))
}
