package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/fieldwork-tools/fieldsync/internal/cache"
	"github.com/fieldwork-tools/fieldsync/internal/config"
	"github.com/fieldwork-tools/fieldsync/internal/connectivity"
	"github.com/fieldwork-tools/fieldsync/internal/engine"
	"github.com/fieldwork-tools/fieldsync/internal/resolve"
	"github.com/fieldwork-tools/fieldsync/internal/store"
	"github.com/fieldwork-tools/fieldsync/internal/transport"
)

// dataDirPermissions keeps the state directory owner-only: it holds the
// database and the bearer token never belongs in it, but queued
// payloads may be sensitive.
const dataDirPermissions = 0o700

// app is the composition root shared by all subcommands: every service
// is constructed here and passed by reference, no singletons.
type app struct {
	cfg      *config.Resolved
	logger   *slog.Logger
	store    store.Store
	client   *transport.Client
	resolver *resolve.Resolver
	monitor  *connectivity.Monitor
	engine   *engine.Service
	cache    *cache.Cache
}

// buildApp assembles the services from the resolved configuration.
// autoDrain controls whether submissions kick opportunistic drains;
// one-shot commands disable it and drain explicitly.
func buildApp(cfg *config.Resolved, logger *slog.Logger, autoDrain bool) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.StateDBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	client := transport.NewClient(defaultHTTPClient(), transport.StaticTokenSource(cfg.Token), logger)

	policies := make(map[string]resolve.Policy, len(cfg.Collections))
	registrations := make([]engine.CollectionRegistration, 0, len(cfg.Collections))

	names := make([]string, 0, len(cfg.Collections))
	for name := range cfg.Collections {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		col := cfg.Collections[name]
		policies[name] = resolve.Policy(col.ConflictPolicy)
		registrations = append(registrations, engine.CollectionRegistration{
			Name:         name,
			SyncEndpoint: col.Endpoint,
		})
	}

	resolver := resolve.NewResolver(policies, logger)

	monitor := connectivity.NewMonitor(
		connectivity.HTTPProbe(defaultHTTPClient(), cfg.ProbeURL),
		connectivity.Options{Interval: cfg.ProbeInterval, Grace: cfg.Grace},
		logger,
	)

	svc := engine.New(&engine.Config{
		Store:         st,
		Sender:        client,
		Resolver:      resolver,
		Checker:       monitor,
		Registrations: registrations,
		Logger:        logger,
		Options: engine.Options{
			MaxRetries:       cfg.Retry.MaxRetries,
			BaseDelay:        cfg.BaseDelay,
			Multiplier:       cfg.Retry.Multiplier,
			MaxDelay:         cfg.MaxDelay,
			FanOut:           cfg.Retry.FanOut,
			DisableAutoDrain: !autoDrain,
		},
	})

	monitor.OnChange(func(online bool) {
		svc.PublishConnectivity(online)
	})

	responseCache := cache.New(st, client, cache.Options{MaxAge: cfg.CacheMaxAge}, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		client:   client,
		resolver: resolver,
		monitor:  monitor,
		engine:   svc,
		cache:    responseCache,
	}, nil
}

// close tears down in dependency order: coordinator first (waits for
// drains), then the cache's revalidations, then the store.
func (a *app) close() {
	a.engine.Close()
	a.cache.Close()

	if err := a.store.Close(); err != nil {
		a.logger.Error("closing store", slog.String("error", err.Error()))
	}
}
