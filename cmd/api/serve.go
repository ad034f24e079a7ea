package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ccbcounter/api/internal/app"
	"ccbcounter/api/internal/archive"
	"ccbcounter/api/internal/ata"
	"ccbcounter/api/internal/config"
	"ccbcounter/api/internal/export"
	"ccbcounter/api/internal/metrics"
	"ccbcounter/api/internal/realtime"
	"ccbcounter/api/internal/search"
	"ccbcounter/api/internal/session"
	"ccbcounter/api/internal/store"
)

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := store.OpenDriver(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("record store ready", "driver", cfg.StoreDriver)

	transport, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	state, err := openState(cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := state.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	policy, err := ata.PolicyByName(cfg.TotalsPolicy, ata.DefaultFamilies())
	if err != nil {
		return err
	}
	mode, err := session.ParsePersistMode(cfg.PersistMode)
	if err != nil {
		return err
	}
	exports, err := exportService(cfg, st, policy)
	if err != nil {
		return err
	}
	m := metrics.New()

	archiver, err := openArchive(ctx, cfg, exports)
	if err != nil {
		return err
	}

	opts := session.Options{
		Policy:    policy,
		Differ:    ata.Differ{IncludeMinistry: cfg.AuditMinistry},
		Mode:      mode,
		Debounce:  cfg.Debounce,
		Heartbeat: cfg.Heartbeat,
		State:     state,
		Metrics:   m,
		Logger:    logger,
	}
	if archiver != nil {
		opts.Archiver = archiver
	}
	sess := session.New(st, transport, opts)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewScan(st), logger)
	stopFollow, err := searchService.Follow(realtime.NewRowFeed(transport))
	if err != nil {
		return fmt.Errorf("follow row changes: %w", err)
	}
	defer stopFollow()
	go searchService.ReindexAll(ctx)

	service := app.New(app.Deps{
		Store:     st,
		Session:   sess,
		Exports:   exports,
		Search:    searchService,
		Archive:   archiver,
		Transport: transport,
		Policy:    policy,
		Differ:    opts.Differ,
		Metrics:   m,
		Logger:    logger,
	})

	hub := realtime.NewHub(transport, realtime.HubOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Inbound:        service.Inbound,
		Greeting:       service.Greeting,
		Logger:         logger,
	})
	if err := hub.Start(); err != nil {
		return fmt.Errorf("start websocket hub: %w", err)
	}
	defer hub.Close()
	m.ObserveClients(hub.Clients)

	httpServer := app.NewHTTPServer(service, app.ServerOptions{
		CORSOrigin: cfg.CORSOrigin,
		WebSocket:  hub,
		Metrics:    m,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sess.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ccb api listening", "addr", cfg.Addr, "transport", cfg.Transport, "persist_mode", mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	logger.Info("ccb api stopped")
	return nil
}

func openTransport(ctx context.Context, cfg config.Config, logger *slog.Logger) (realtime.Transport, error) {
	switch cfg.Transport {
	case "redis":
		t, err := realtime.NewRedisTransport(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis transport: %w", err)
		}
		logger.Info("using redis transport")
		return t, nil
	case "mqtt":
		t, err := realtime.NewMQTTTransport(ctx, realtime.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("mqtt transport: %w", err)
		}
		logger.Info("using mqtt transport", "broker", cfg.MQTTBroker)
		return t, nil
	default:
		return realtime.NewBus(), nil
	}
}

// openState keeps session state in Redis when it is configured so several
// instances agree on what was last sent.
func openState(cfg config.Config, logger *slog.Logger) (session.StateStore, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return session.NewMemoryState(), nil
	}
	state, err := session.NewRedisState(cfg.RedisURL, cfg.SessionName)
	if err != nil {
		return nil, fmt.Errorf("redis session state: %w", err)
	}
	logger.Info("using redis for session state", "session", cfg.SessionName)
	return state, nil
}

func exportService(cfg config.Config, st store.RecordStore, policy ata.TotalsPolicy) (*export.Service, error) {
	loc, err := time.LoadLocation(cfg.AtaTimezone)
	if err != nil {
		return nil, fmt.Errorf("ata timezone: %w", err)
	}
	return export.NewService(st, export.BuildOptions{Policy: policy, Location: loc}), nil
}

func openArchive(ctx context.Context, cfg config.Config, exports *export.Service) (*archive.Archiver, error) {
	objects, err := archive.Open(ctx, archive.Config{
		Driver:    cfg.ArchiveDriver,
		Bucket:    cfg.ArchiveBucket,
		Endpoint:  cfg.ArchiveEndpoint,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
		Region:    cfg.ArchiveRegion,
		UseSSL:    cfg.ArchiveUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if objects == nil {
		return nil, nil
	}
	format, err := export.ParseFormat(cfg.ArchiveFormat)
	if err != nil {
		return nil, fmt.Errorf("ARCHIVE_FORMAT: %w", err)
	}
	return archive.NewArchiver(exports, objects, format), nil
}

func migrateSchema(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.StoreDriver != store.DriverPostgres {
		st, err := store.OpenDriver(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		logger.Info("schema ready", "driver", cfg.StoreDriver, "path", cfg.SQLitePath)
		return st.Close()
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", "count", len(applied), "versions", applied)
	return nil
}

func renderAta(ctx context.Context, cfg config.Config, logger *slog.Logger, id int64, format, out string) error {
	f, err := export.ParseFormat(format)
	if err != nil {
		return err
	}
	st, err := store.OpenDriver(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	defer st.Close()
	policy, err := ata.PolicyByName(cfg.TotalsPolicy, ata.DefaultFamilies())
	if err != nil {
		return err
	}
	exports, err := exportService(cfg, st, policy)
	if err != nil {
		return err
	}
	result, err := exports.Export(ctx, export.Request{RecordID: id, Format: f})
	if err != nil {
		return err
	}
	if out == "" {
		out = result.Filename
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(out, result.Data, 0o644); err != nil {
		return err
	}
	logger.Info("ata rendered", "id", id, "format", f, "file", out, "bytes", len(result.Data))
	return nil
}
