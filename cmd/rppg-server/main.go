// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mayla-health/rppg-server/internal/config"
	"github.com/mayla-health/rppg-server/internal/logging"
	"github.com/mayla-health/rppg-server/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to server config file (optional; built-in defaults otherwise)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// O pipeline rPPG real é um colaborador externo; sem ele o modo
	// real finaliza com fallback poor e o mock mode segue completo.
	if err := server.Run(ctx, cfg, logger, nil); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
