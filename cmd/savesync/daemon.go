package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/savesync/savesync/internal/controlplane"
	"github.com/savesync/savesync/internal/events"
	"github.com/savesync/savesync/internal/service"
	"github.com/savesync/savesync/internal/settings"
	"github.com/savesync/savesync/internal/sync"
	"github.com/savesync/savesync/internal/utils"
	"github.com/savesync/savesync/internal/version"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName     = "savesync.log"
	shutdownTimeout = 10 * time.Second
)

func newDaemonCmd() *cobra.Command {
	var rateLimit int64

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the SaveSync daemon and its local control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg := configFrom(cmd)

			ws, err := settings.NewWorkspace(cfg.ConfigDir)
			if err != nil {
				return err
			}
			if err := ws.Setup(); err != nil {
				return err
			}
			defer ws.Unlock()

			closeLog := setupFileLogging(ws, cfg.LogLevel)
			defer closeLog()

			slog.Info("savesync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
			slog.Info("daemon using", "config", cfg.Path, "dir", ws.Root)

			return runDaemon(cmd.Context(), cfg, ws, rateLimit)
		},
	}

	daemonCmd.Flags().String("redirect-uri", "", "Consent redirect handed to plugins (default <http-addr>/v1/plugin/callback)")
	daemonCmd.Flags().Duration("debounce", time.Second, "Quiet period before a changed folder is uploaded")
	daemonCmd.Flags().Int("workers", 4, "Parallel folder transfers during reconciliation")
	daemonCmd.Flags().Int64Var(&rateLimit, "http-rate-limit", 0, "Control plane requests per second per client, 0 disables")

	return daemonCmd
}

func runDaemon(ctx context.Context, cfg *cliConfig, ws *settings.Workspace, rateLimit int64) error {
	st, err := settings.Load(ws.Root)
	if err != nil {
		return err
	}

	journal := sync.NewSyncJournal(ws.JournalPath())
	if err := journal.Open(); err != nil {
		return err
	}
	defer journal.Close()

	bus := events.NewBus()
	defer bus.Close()

	svc, err := service.New(ws, st, bus, journal, service.Config{
		RedirectURI: cfg.RedirectURI,
		Debounce:    cfg.Debounce,
		Workers:     cfg.Workers,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Error("service close", "error", err)
		}
	}()

	go func() {
		if err := svc.Catalog().Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("plugin catalog watch", "error", err)
		}
	}()

	if err := svc.Start(ctx); err != nil {
		// a plugin that fails to restore is reported as an event, the daemon keeps running
		slog.Warn("restore plugin", "error", err)
	}

	server, err := controlplane.NewControlPlaneServer(&controlplane.Config{
		Addr:      cfg.HTTPAddr,
		AuthToken: cfg.HTTPToken,
		RateLimit: rateLimit,
	}, svc)
	if err != nil {
		return err
	}
	if cfg.HTTPToken != "" {
		slog.Info("control plane token", "token", utils.MaskSecret(cfg.HTTPToken))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	defer slog.Info("Bye!")
	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Stop(stopCtx); err != nil {
			slog.Warn("control plane stop", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// setupFileLogging adds a rotated log file under the workspace logs directory next to
// the terminal output.
func setupFileLogging(ws *settings.Workspace, level string) func() {
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(ws.LogsDir, logFileName),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}

	logInterceptor := utils.NewLogInterceptor(rotator)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: parseLevel(level),
		// Do not include time as it is added by the log interceptor.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(newStdoutHandler(parseLevel(level)), fileHandler)))
	return func() {
		if err := logInterceptor.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "flush log: %v\n", err)
		}
		rotator.Close()
	}
}
