package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"inkwell/api/internal/app"
	"inkwell/api/internal/archive"
	"inkwell/api/internal/config"
	"inkwell/api/internal/convert"
	"inkwell/api/internal/gitrepo"
	"inkwell/api/internal/lock"
	"inkwell/api/internal/logging"
	"inkwell/api/internal/realtime"
	"inkwell/api/internal/search"
	"inkwell/api/internal/source/gdrive"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

func main() {
	migrateDown := flag.Bool("migrate-down", false, "roll back every applied migration and exit")
	flag.Parse()

	cfg := config.Load()
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		panic(err)
	}
	defer func() { _ = logging.Sync() }()
	logger := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if *migrateDown {
		if err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			logger.Fatal("rollback failed", zap.Error(err))
		}
		logger.Info("migrations rolled back")
		return
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		logger.Fatal("failed to create repos dir", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)
	hub := realtime.NewHub(dataStore)

	deps := app.Dependencies{
		Store:     dataStore,
		Hub:       hub,
		Converter: convert.NewMarkdown(),
		History:   gitrepo.New(cfg.ReposDir),
	}

	provider, err := gdrive.New(ctx, gdrive.Config{
		CredentialsFile:   cfg.GoogleCredentialsFile,
		APIKey:            cfg.GoogleAPIKey,
		Endpoint:          cfg.GoogleEndpoint,
		RequestsPerSecond: cfg.SourceRPS,
	})
	if err != nil {
		logger.Fatal("drive client setup failed", zap.Error(err))
	}
	deps.Provider = provider

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	deps.Search = searchService
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		snapshots, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			Bucket:    cfg.MinioBucket,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal("object storage setup failed", zap.Error(err))
		}
		deps.Archive = snapshots
		logger.Info("archiving source snapshots", zap.String("bucket", cfg.MinioBucket))
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		locker, err := lock.NewRedisLocker(cfg.RedisURL, cfg.RefreshLockTTL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer locker.Close()
		deps.Locker = locker

		relay := realtime.NewRedisRelay(locker.Client(), util.NewID())
		hub.AttachRelay(relay)
		go func() {
			if err := relay.Run(ctx, hub.ApplyRemote); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("document change relay stopped", zap.Error(err))
			}
		}()
		logger.Info("using redis for refresh locks and change relay")
	} else {
		logger.Info("redis disabled, refresh locks and change relay are process-local")
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Inkwell API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
