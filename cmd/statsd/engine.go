package main

import (
	"context"
	"fmt"
	"time"

	"homestats/internal/api"
	"homestats/internal/compaction"
	"homestats/internal/config"
	"homestats/internal/device"
	"homestats/internal/eventbus"
	"homestats/internal/importer"
	"homestats/internal/logging"
	"homestats/internal/metadata"
	"homestats/internal/platform"
	"homestats/internal/platform/hostplatform"
	"homestats/internal/query"
	"homestats/internal/schema"
	"homestats/internal/storage"
	"homestats/internal/taskqueue"
	"homestats/internal/units"
)

// engine bundles every constructed component, the same grouping
// api.Server re-exposes over HTTP. Built by serve; migrate,
// validate-schema and repair-duplicates open the store themselves.
type engine struct {
	cfg   config.Config
	log   logging.StatsLogger
	store *storage.Store

	meta       *metadata.Manager
	platforms  *platform.Registry
	units      *units.Registry
	tasks      *taskqueue.Runtime
	compaction *compaction.Engine
	query      *query.Engine
	importer   *importer.Engine
	schema     *schema.Validator
	bus        *eventbus.Bus
	devices    *device.Client
}

// buildEngine opens the database, runs schema init, loads the
// metadata cache, and wires every component together. It does not
// start the task queue's consumer goroutine — callers that need a
// live writer call e.tasks.Start() themselves (serve does; the batch
// subcommands run their work directly against the store instead).
func buildEngine(ctx context.Context, cfg config.Config) (*engine, error) {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("statsd: build logger: %w", err)
	}

	dialect, err := cfg.Database.ResolveDialect()
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(dialect, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	store := storage.New(db, dialect)
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("statsd: init schema: %w", err)
	}

	meta := metadata.New(store)
	if err := meta.Load(ctx); err != nil {
		return nil, fmt.Errorf("statsd: load metadata cache: %w", err)
	}

	platforms := platform.New()
	platforms.Register(hostplatform.New(5 * time.Minute))

	unitReg := units.New()
	tasks := taskqueue.New(log, 256)
	bus := eventbus.New()

	comp := compaction.New(store, meta, platforms, bus, log)
	qe := query.New(store, meta, unitReg, time.Local)
	imp := importer.New(store, meta, unitReg)
	val := schema.New(store)

	var devices *device.Client
	if cfg.Device.BaseURL != "" {
		devices = device.NewClient(cfg.Device.BaseURL)
	}

	return &engine{
		cfg: cfg, log: log, store: store,
		meta: meta, platforms: platforms, units: unitReg,
		tasks: tasks, compaction: comp, query: qe, importer: imp, schema: val,
		bus: bus, devices: devices,
	}, nil
}

// server builds the HTTP/WS surface (internal/api) on top of an
// already-constructed engine.
func (e *engine) server() *api.Server {
	s := api.New(e.cfg.Admin, e.cfg.Server.JWTSecret)
	s.Store = e.store
	s.Query = e.query
	s.Importer = e.importer
	s.Compaction = e.compaction
	s.Schema = e.schema
	s.Meta = e.meta
	s.Platforms = e.platforms
	s.Tasks = e.tasks
	s.Bus = e.bus
	s.Devices = e.devices
	s.Log = e.log
	return s
}
