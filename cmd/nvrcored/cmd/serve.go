package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nightlatch/nvrcore/internal/config"
	"github.com/nightlatch/nvrcore/internal/coordinator"
	"github.com/nightlatch/nvrcore/internal/detect"
	"github.com/nightlatch/nvrcore/internal/observability"
	"github.com/nightlatch/nvrcore/internal/recctl"
	"github.com/nightlatch/nvrcore/internal/startup"
	"github.com/nightlatch/nvrcore/internal/storage"
	"github.com/nightlatch/nvrcore/internal/streamreg"
	"github.com/nightlatch/nvrcore/internal/streamthread"
)

// shutdownJoinTimeout bounds how long serve waits for every registered
// Stream Thread to report StateStopped before giving up and exiting.
const shutdownJoinTimeout = 30 * time.Second

// tempDirMaxAge bounds how old an orphaned scratch directory must be
// before startup cleanup removes it.
const tempDirMaxAge = 1 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest and fan-out daemon",
	Long: `Run nvrcored: open every configured camera stream, demux it, and fan
each stream out to an HLS live-preview segmenter, a keyframe-triggered MP4
recorder, and an optional detection dispatcher, until an interrupt or
terminate signal initiates an ordered shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config-file", "", "path to a YAML config file")
	mustBindPFlag("config_file", serveCmd.Flags().Lookup("config-file"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetString("config_file"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	removed, err := startup.CleanupOrphanedTempDirs(logger, os.TempDir(), tempDirMaxAge)
	if err != nil {
		logger.Warn("failed to clean orphaned temp directories", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned orphaned temp directories on startup", slog.Int("removed_count", removed))
	}

	sandbox, err := storage.NewSandbox(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("initializing storage sandbox: %w", err)
	}

	registry := streamreg.New()
	coord := coordinator.New()
	recorders := recctl.New(sandbox, cfg.Storage, logger)

	dispatcher := detect.New(cfg.Detection.WorkerCount, cfg.Detection.QueueSize, detect.NewLogSink(logger), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	for _, streamCfg := range cfg.Streams {
		registry.Register(streamCfg)
	}

	errs := make(chan error, len(cfg.Streams))
	for _, streamCfg := range cfg.Streams {
		thread := streamthread.New(streamthread.Config{
			StreamName:        streamCfg.Name,
			Sandbox:           sandbox,
			Storage:           cfg.Storage,
			Ingest:            cfg.Ingest,
			Registry:          registry,
			Coordinator:       coord,
			Detector:          dispatcher,
			MP4Lookup:         recorders.Get,
			MemoryConstrained: cfg.Detection.MemoryConstrained,
			Logger:            logger,
		})

		go func(name string) {
			if err := thread.Run(ctx); err != nil {
				logger.Error("stream thread exited with error", slog.String("stream", name), slog.String("error", err.Error()))
			}
			errs <- nil
		}(streamCfg.Name)
	}

	logger.Info("nvrcored started", slog.Int("stream_count", len(cfg.Streams)))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating ordered shutdown")
	coord.InitiateShutdown()

	joinCtx, cancel := context.WithTimeout(context.Background(), shutdownJoinTimeout)
	defer cancel()
	if timedOut := coord.Join(joinCtx, shutdownJoinTimeout); len(timedOut) > 0 {
		logger.Warn("components did not stop before shutdown timeout", slog.Any("components", timedOut))
	}

	for range cfg.Streams {
		<-errs
	}

	recorders.StopAll()

	logger.Info("nvrcored stopped cleanly")
	return nil
}
