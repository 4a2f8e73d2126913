package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/stagepipe/stagepipe/internal/config"
	"github.com/stagepipe/stagepipe/internal/debughttp"
	"github.com/stagepipe/stagepipe/internal/log"
	"github.com/stagepipe/stagepipe/internal/tray"
)

const stopTimeout = 10 * time.Second

func runTray(ctx context.Context, args []string) int {
	cfg, err := config.ParseTrayFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.PprofAddr != "" {
		addr, err := debughttp.Start(ctx, cfg.PprofAddr, logger)
		if err != nil {
			logger.Error("pprof server failed to start", "error", err)
		} else {
			logger.Info("pprof server listening", "addr", addr)
		}
	}

	host, err := tray.New(cfg, Version, logger)
	if err != nil {
		logger.Error("tray init failed", "error", err)
		return 1
	}

	if err := host.Start(ctx); err != nil {
		logger.Error("tray start failed", "error", err)
		return 1
	}
	logger.Info("tray running", "version", Version)

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := host.Stop(stopCtx); err != nil {
		logger.Error("tray stop", "error", err)
		return 1
	}
	if host.Failed() {
		return 1
	}
	return 0
}
