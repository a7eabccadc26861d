// UMP is an OGC API Processes federation gateway.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ump/internal/api"
	"ump/internal/cache"
	"ump/internal/config"
	"ump/internal/derive"
	"ump/internal/jobs"
	"ump/internal/logging"
	"ump/internal/observe"
	"ump/internal/pipeline"
	"ump/internal/process"
	"ump/internal/providers"
	"ump/internal/retry"
	"ump/internal/store"
	"ump/internal/upstream"
	"ump/pkg/crypto"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	var (
		addr          = flag.String("addr", cfg.HTTPAddr, "HTTP listen address")
		dbPath        = flag.String("db", cfg.DBPath, "SQLite database path")
		providersFile = flag.String("providers", cfg.ProvidersFile, "Providers YAML file")
		logLevel      = flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
		encryptionKey = flag.String("encryption-key", "", "Passphrase for provider secrets (uses UMP_ENCRYPTION_KEY env var if not set)")
	)
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	if *encryptionKey == "" {
		*encryptionKey = cfg.EncryptionKey
	}
	var encryptor *crypto.Encryptor
	if *encryptionKey != "" {
		encryptor, err = crypto.NewEncryptor(*encryptionKey)
		if err != nil {
			slog.Error("Failed to initialize encryptor", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No encryption key provided, provider secrets are expected in plaintext. Use --encryption-key or UMP_ENCRYPTION_KEY.")
	}

	ctx := context.Background()

	st, err := store.New(*dbPath, logger)
	if err != nil {
		slog.Error("Failed to open database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		slog.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}

	provs, err := providers.LoadFile(*providersFile, encryptor, cfg.UpstreamTimeout)
	if err != nil {
		slog.Error("Failed to load providers", "path", *providersFile, "error", err)
		os.Exit(1)
	}
	registry := providers.NewRegistry(provs)
	slog.Info("Providers loaded", "count", len(provs))

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watcher, err := providers.NewWatcher(*providersFile, registry, encryptor, cfg.UpstreamTimeout, logger)
	if err != nil {
		slog.Warn("Providers hot-reload disabled", "error", err)
	}

	client := upstream.NewClient(logger)
	defer client.Close()

	publicBase := strings.TrimRight(cfg.APIServerURL, "/") + "/v1.0"
	pipe := pipeline.New(pipeline.Options{
		PublicBaseURL:      publicBase,
		RewriteRemoteLinks: cfg.RewriteRemoteLinks,
	}, logger)
	procs := process.New(
		registry,
		client,
		cache.NewListCache(cfg.ProcessCacheTTL),
		cache.NewDescriptorCache(cfg.ProcessCacheTTL),
		pipe,
		logger,
	)
	if watcher != nil {
		watcher.OnReload = func(provs []*providers.Provider) {
			for _, p := range provs {
				procs.Invalidate(p.Name)
			}
		}
		go watcher.Run(watchCtx)
	}

	forwardPolicy, err := retry.New(cfg.ForwardMaxRetries, cfg.ForwardRetryBase, cfg.ForwardRetryMax, logger)
	if err != nil {
		slog.Error("Invalid forward retry configuration", "error", err)
		os.Exit(1)
	}
	pollPolicy, err := retry.New(cfg.PollMaxRetries, cfg.ForwardRetryBase, cfg.ForwardRetryMax, logger)
	if err != nil {
		slog.Error("Invalid poll retry configuration", "error", err)
		os.Exit(1)
	}

	bus := observe.NewBus(logger)
	jobMgr := jobs.New(jobs.Options{
		Store:         st,
		Registry:      registry,
		Processes:     procs,
		Client:        client,
		Deriver:       derive.New(client, logger),
		Bus:           bus,
		ForwardPolicy: forwardPolicy,
		PollPolicy:    pollPolicy,
		PollInterval:  cfg.PollInterval,
		PollTimeout:   cfg.PollTimeout,
		PublicBaseURL: publicBase,
		Log:           logger,
	})

	var downgrader observe.Downgrader
	if cfg.ResultsVerifyDowngrade {
		downgrader = jobMgr
	}
	bus.Register(
		observe.NewStatusHistoryObserver(st),
		observe.NewPollingSchedulerObserver(jobMgr),
		observe.NewResultsVerificationObserver(client, registry, downgrader, logger),
	)

	if err := jobMgr.ResumePolls(ctx); err != nil {
		slog.Error("Failed to resume polling", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         *addr,
		Handler:      api.New(procs, jobMgr, st, publicBase, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Starting UMP gateway", "addr", *addr, "publicBase", publicBase)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down...")
	stopWatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
	}
	if err := jobMgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("Job manager shutdown incomplete", "error", err)
	}

	slog.Info("Server exited")
}
