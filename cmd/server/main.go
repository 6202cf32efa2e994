package main

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"fernwiki/app/internal/auth"
	"fernwiki/app/internal/config"
	appdb "fernwiki/app/internal/db"
	applog "fernwiki/app/internal/log"
	"fernwiki/app/internal/media"
	"fernwiki/app/internal/rpc"
	"fernwiki/app/internal/spam"
	"fernwiki/app/internal/storage"
	"fernwiki/app/internal/users"
	"fernwiki/app/internal/wiki"
)

const engineVersion = "fernwiki 1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return eris.Wrap(err, "failure loading configuration")
	}

	logger, err := applog.NewLogger(cfg.LogLevel)
	if err != nil {
		return eris.Wrap(err, "failure initialising logger")
	}

	sentryHub, flush, err := applog.InitSentry(logger, applog.SentrySettings{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return eris.Wrap(err, "failure initialising sentry")
	}
	defer flush()

	dbConn, err := appdb.Open(appdb.Options{Path: cfg.DBPath})
	if err != nil {
		return eris.Wrap(err, "opening database")
	}
	defer func() {
		if closeErr := appdb.Close(dbConn); closeErr != nil {
			logger.WithError(closeErr).Error("closing database")
		}
	}()

	if err := storage.Migrate(ctx, dbConn, logger); err != nil {
		return eris.Wrap(err, "running storage migrations")
	}
	if err := auth.Migrate(ctx, dbConn, logger); err != nil {
		return eris.Wrap(err, "running user store migrations")
	}

	store, err := storage.NewStore(dbConn, logger)
	if err != nil {
		return eris.Wrap(err, "building storage")
	}

	authorizer, err := auth.NewPlain(auth.PlainOptions{DB: dbConn, Logger: logger})
	if err != nil {
		return eris.Wrap(err, "building authorization backend")
	}

	resolver := wiki.NewResolver(cfg.StartPage)

	gate, err := wiki.NewAccessGate(authorizer)
	if err != nil {
		return eris.Wrap(err, "building access gate")
	}

	wordBlock, err := spam.NewWordBlock(cfg.BlockedWords)
	if err != nil {
		return eris.Wrap(err, "compiling word blocklist")
	}

	mediaStore, err := media.NewStore(media.Options{
		Root:   cfg.MediaDir,
		InUse:  store.MediaReferenced,
		Logger: logger,
	})
	if err != nil {
		return eris.Wrap(err, "building media store")
	}

	pageService, err := wiki.NewPageService(wiki.PageServiceOptions{
		Resolver:       resolver,
		Gate:           gate,
		Store:          store,
		Changelog:      store,
		Locker:         store,
		Indexer:        store,
		Spam:           wordBlock,
		PageTemplate:   cfg.PageTemplate,
		CreatedSummary: cfg.CreatedSummary,
		DeletedSummary: cfg.DeletedSummary,
		Logger:         logger,
		SentryHub:      sentryHub,
	})
	if err != nil {
		return eris.Wrap(err, "building page service")
	}

	historyService, err := wiki.NewHistoryService(wiki.HistoryServiceOptions{
		Resolver:    resolver,
		Gate:        gate,
		Store:       store,
		Changelog:   store,
		Attachments: mediaStore,
		PageSize:    cfg.RecentPageSize,
		Logger:      logger,
		SentryHub:   sentryHub,
	})
	if err != nil {
		return eris.Wrap(err, "building history service")
	}

	lockService, err := wiki.NewLockService(resolver, gate, store, logger, sentryHub)
	if err != nil {
		return eris.Wrap(err, "building lock service")
	}

	mediaService, err := wiki.NewMediaService(resolver, gate, mediaStore, store, logger, sentryHub)
	if err != nil {
		return eris.Wrap(err, "building media service")
	}

	userService, err := users.NewService(authorizer, resolver, nil, logger, sentryHub)
	if err != nil {
		return eris.Wrap(err, "building user service")
	}

	catalog, err := rpc.Catalog(rpc.CatalogOptions{
		Pages:    pageService,
		History:  historyService,
		Locks:    lockService,
		Media:    mediaService,
		Users:    userService,
		Gate:     gate,
		Resolver: resolver,
		Version:  engineVersion,
	})
	if err != nil {
		return eris.Wrap(err, "building method catalog")
	}

	registry, err := rpc.NewRegistry(catalog)
	if err != nil {
		return eris.Wrap(err, "building method registry")
	}

	transport, err := rpc.NewServer(rpc.Options{
		Registry:  registry,
		Database:  dbConn,
		Logger:    logger,
		SentryHub: sentryHub,
		RateLimiter: rpc.RateLimiterSettings{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			ClientTTL:         cfg.RateLimit.ClientTTL,
		},
	})
	if err != nil {
		return eris.Wrap(err, "initialising rpc transport")
	}
	defer transport.Close()

	httpServer := &stdhttp.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", cfg.ServerPort),
		Handler: transport.Handler(),
	}

	logger.WithFields(logrus.Fields{
		"addr": httpServer.Addr,
	}).Info("starting rpc server")

	serverErrCh := make(chan error, 1)
	go func() {
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErrCh <- err
		} else {
			serverErrCh <- nil
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErrCh:
		if err != nil {
			return eris.Wrap(err, "rpc server error")
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "shutting down rpc server")
	}

	logger.Info("rpc server shut down cleanly")
	return nil
}
