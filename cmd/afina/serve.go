package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/garethgeorge/afina/internal/config"
	"github.com/garethgeorge/afina/internal/logging"
	"github.com/garethgeorge/afina/internal/metrics"
	"github.com/garethgeorge/afina/internal/protocol"
	"github.com/garethgeorge/afina/internal/server"
	"github.com/garethgeorge/afina/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the cache server",
		Long: `Start the cache server and run until interrupted.

Example:
  afina serve --listen :11211 --arena-size 268435456 --metrics-listen :9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *cfg, cmd.ErrOrStderr())
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, logOut io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel, logOut)
	if err != nil {
		return err
	}

	st, err := storage.New(make([]byte, cfg.ArenaSize),
		storage.WithMaxEntries(cfg.MaxEntries),
		storage.WithCompressThreshold(cfg.CompressThreshold),
		storage.WithCompactRate(rate.Limit(cfg.CompactRate)),
		storage.WithLogger(logger.With("component", "storage")))
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}
	defer st.Close()

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PidFile)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	srv := server.New(&protocol.Handler{Storage: st, Version: version}, server.Options{
		Listen:       cfg.Listen,
		Workers:      cfg.Workers,
		QueueSize:    cfg.QueueSize,
		IdleTimeout:  cfg.IdleTimeout,
		MaxValueSize: cfg.MaxValueSize,
	}, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	eg.Go(srv.Wait)

	if cfg.MetricsListen != "" {
		ln, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			srv.Stop()
			srv.Wait()
			return fmt.Errorf("listen on %s: %w", cfg.MetricsListen, err)
		}
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			metrics.NewCollector(st),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		logger.Info("serving metrics", "addr", ln.Addr().String())
		eg.Go(func() error { return metrics.Serve(ctx, ln, reg) })
	}

	if cfg.CompactInterval > 0 {
		eg.Go(func() error {
			compactLoop(ctx, st, cfg.CompactInterval, logger)
			return nil
		})
	}

	err = eg.Wait()
	logger.Info("server stopped", "err", err)
	return err
}

// compactLoop defragments the arena every interval while it has more than one
// free run.
func compactLoop(ctx context.Context, st *storage.ArenaStore, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if st.Stats().Arena.FreeRuns <= 1 {
			continue
		}
		st.Compact()
		logger.Debug("periodic compaction", "largest_free", st.Stats().Arena.LargestFree)
	}
}

func writePidFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}
