package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/mongo-backup/internal/archive"
	"github.com/hochfrequenz/mongo-backup/internal/backup"
	"github.com/hochfrequenz/mongo-backup/internal/cleanup"
	"github.com/hochfrequenz/mongo-backup/internal/config"
	"github.com/hochfrequenz/mongo-backup/internal/export"
	"github.com/hochfrequenz/mongo-backup/internal/logging"
	"github.com/hochfrequenz/mongo-backup/internal/mongodb"
	"github.com/hochfrequenz/mongo-backup/internal/notify"
	"github.com/hochfrequenz/mongo-backup/internal/runstore"
	"github.com/hochfrequenz/mongo-backup/internal/upload"
)

// app holds the long-lived resources a backup needs
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	mongo    *mongodb.Client
	store    *runstore.Store
	pipeline *backup.Pipeline
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.HistoryPath), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return runstore.New(cfg.General.HistoryPath)
}

func dialMongo(cfg *config.Config) (*mongodb.Client, error) {
	timeout, err := cfg.MongoTimeout()
	if err != nil {
		return nil, err
	}
	return mongodb.Dial(cfg.Mongo.URI, cfg.Mongo.Database, timeout)
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Setup(cfg.General.LogLevel)

	uploader, err := upload.NewS3Uploader(ctx, upload.S3Config{
		Endpoint:     cfg.Storage.Endpoint,
		Bucket:       cfg.Storage.Bucket,
		Region:       cfg.Storage.Region,
		AccessKey:    cfg.Storage.AccessKey,
		SecretKey:    cfg.Storage.SecretKey,
		UsePathStyle: cfg.Storage.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}

	client, err := dialMongo(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		client.Close()
		return nil, err
	}

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notifications.SlackWebhook != "" {
		notifier = notify.NewMultiNotifier(notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}

	pipeline := backup.New(backup.Config{
		RootDir:            cfg.General.BackupRoot,
		KeyPrefix:          cfg.Storage.KeyPrefix,
		MaxParallelExports: cfg.General.MaxParallelExports,
	}, backup.Components{
		Exporter: export.New(client),
		Archiver: archive.NewBuilder(),
		Uploader: uploader,
		Cleaner:  cleanup.New(logger),
		Recorder: store,
		Notifier: notifier,
		Logger:   logger,
	})

	logger.Info("connected",
		"database", client.Database(),
		"bucket", uploader.Bucket(),
		"backup_root", cfg.General.BackupRoot)

	return &app{
		cfg:      cfg,
		logger:   logger,
		mongo:    client,
		store:    store,
		pipeline: pipeline,
	}, nil
}

func (a *app) Close() {
	a.store.Close()
	a.mongo.Close()
}
