// Command spi-hub is the broker daemon: it owns every configured SPI
// bus and multiplexes application traffic between the daisy chain of
// attached microcontrollers and local clients connected over
// /tmp/socket-spi-hub.
//
// Usage: spi-hub [bus_path ...]
//
// With no positional arguments it reads /etc/spi-hub.json if present,
// otherwise it takes the first /dev/spi* device node it finds. This is
// deliberately thin: no flag-parsing dependency is justified for
// picking which bus device nodes to open.
//
// /etc/spi-hub.json's top-level "logFile" additionally rotates JSON
// log lines to that path alongside the console output.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"periph.io/x/host/v3"

	"github.com/ironpi/spi-hub/internal/broker"
	"github.com/ironpi/spi-hub/internal/brokerconfig"
	"github.com/ironpi/spi-hub/internal/logging"
)

func main() {
	bootLogger := logging.NewLogger("spi-hub")

	cfg, err := resolveConfig(os.Args[1:])
	if err != nil {
		bootLogger.Errorw("could not determine bus configuration", "err", err)
		_ = bootLogger.Sync()
		os.Exit(1)
	}
	if len(cfg.Buses) == 0 {
		bootLogger.Errorw("no SPI bus device nodes found")
		_ = bootLogger.Sync()
		os.Exit(1)
	}

	logger := bootLogger
	if cfg.LogFile != "" {
		logger = logging.NewFileLogger("spi-hub", cfg.LogFile)
	}
	defer func() { _ = logger.Sync() }()

	if _, err := host.Init(); err != nil {
		logger.Errorw("periph host init failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := broker.New(logger, cfg, broker.DefaultSocketPath)
	if err := b.Run(ctx); err != nil {
		logger.Errorw("broker exited with error", "err", err)
		b.Close()
		os.Exit(1)
	}
	b.Close()
}

// resolveConfig implements the CLI's fallback order: positional bus
// paths, then /etc/spi-hub.json, then a /dev/spi* glob.
func resolveConfig(args []string) (brokerconfig.Config, error) {
	if len(args) > 0 {
		buses := make([]brokerconfig.BusConfig, len(args))
		for i, path := range args {
			buses[i] = brokerconfig.BusConfig{Path: path}
		}
		return brokerconfig.Config{Buses: buses}.WithDefaults(), nil
	}

	if _, err := os.Stat(brokerconfig.DefaultPath); err == nil {
		return brokerconfig.Load(brokerconfig.DefaultPath)
	}

	matches, err := filepath.Glob("/dev/spi*")
	if err != nil {
		return brokerconfig.Config{}, err
	}
	if len(matches) == 0 {
		return brokerconfig.Config{}, nil
	}
	cfg := brokerconfig.Config{Buses: []brokerconfig.BusConfig{{Path: matches[0]}}}
	return cfg.WithDefaults(), nil
}
