package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/PipeOpsHQ/pai-observability/api"
	"github.com/PipeOpsHQ/pai-observability/internal/config"
	"github.com/PipeOpsHQ/pai-observability/observe"
	observeotel "github.com/PipeOpsHQ/pai-observability/observe/otel"
	"github.com/PipeOpsHQ/pai-observability/observe/redisstream"
	"github.com/PipeOpsHQ/pai-observability/observe/retention"
	"github.com/PipeOpsHQ/pai-observability/observe/store/sqlite"
	"github.com/PipeOpsHQ/pai-observability/observe/stream"
	"github.com/PipeOpsHQ/pai-observability/runtime/cron"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, live stream and retention schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *options) error {
	cfg := config.Load()
	logger := newLogger(opts.stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	if !cfg.Enabled {
		logger.Info("observability disabled via PAI_OBSERVABILITY_ENABLED, not starting")
		return nil
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tp, err := newTracerProvider(cfg, opts.stdout)
	if err != nil {
		return err
	}
	// Kept as an interface so a disabled provider stays a true nil.
	var tracerProvider trace.TracerProvider
	if tp != nil {
		otel.SetTracerProvider(tp)
		tracerProvider = tp
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	broadcaster := stream.New(stream.WithLogger(logger))
	reaper := retention.New(st, cfg.RetentionDays, retention.WithLogger(logger))

	scheduler := cron.New(cron.WithLogger(logger))
	if err := reaper.Register(scheduler); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	mirror, closeMirror, err := buildMirror(cfg, logger, tracerProvider)
	if err != nil {
		return err
	}
	defer closeMirror()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go broadcaster.Run(ctx)

	server := api.NewServer(api.Config{
		Addr:           cfg.Addr(),
		Port:           cfg.Port,
		Version:        Version,
		Store:          st,
		Reaper:         reaper,
		Broadcaster:    broadcaster,
		Mirror:         mirror,
		TracerProvider: tracerProvider,
		Logger:         logger,
	})
	logger.Info("observability server starting",
		"addr", cfg.Addr(),
		"database", cfg.DBPath,
		"retention_days", reaper.Days(),
		"redis_mirror", cfg.RedisAddr != "",
		"otel_mirror", cfg.OTel,
	)
	err = server.ListenAndServe(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(cfg config.Config) (*sqlite.Store, error) {
	var opts []sqlite.Option
	if cfg.DBReaders > 0 {
		opts = append(opts, sqlite.WithReaders(cfg.DBReaders))
	}
	if cfg.DBBusyTimeout > 0 {
		opts = append(opts, sqlite.WithBusyTimeout(cfg.DBBusyTimeout))
	}
	st, err := sqlite.New(cfg.DBPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return st, nil
}

const tracerShutdownTimeout = 5 * time.Second

// newTracerProvider returns an SDK provider that writes spans to w when OTel is
// enabled, and nil otherwise.
func newTracerProvider(cfg config.Config, w io.Writer) (*sdktrace.TracerProvider, error) {
	if !cfg.OTel {
		return nil, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)), nil
}

// buildMirror assembles the optional downstream sinks. The returned closer is
// always safe to call. A nil tp falls back to the global provider.
func buildMirror(cfg config.Config, logger *slog.Logger, tp trace.TracerProvider) (observe.Sink, func(), error) {
	var (
		sinks   []observe.Sink
		closers []func()
	)
	if cfg.RedisAddr != "" {
		rs, err := redisstream.New(cfg.RedisAddr,
			redisstream.WithStream(cfg.RedisStream),
			redisstream.WithMaxLen(int64(cfg.RedisMaxLen)),
			redisstream.WithPassword(cfg.RedisPassword),
			redisstream.WithDB(cfg.RedisDB),
		)
		if err != nil {
			return nil, func() {}, fmt.Errorf("redis mirror: %w", err)
		}
		logger.Info("mirroring events to redis stream", "addr", cfg.RedisAddr, "stream", rs.Stream())
		sinks = append(sinks, rs)
		closers = append(closers, func() { _ = rs.Close() })
	}
	if cfg.OTel {
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		sinks = append(sinks, observeotel.NewSink(tp))
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(sinks) == 0 {
		return nil, closeAll, nil
	}
	return observe.NewMultiSink(sinks...), closeAll, nil
}
