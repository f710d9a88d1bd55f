package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/portfoliosync/internal/config"
	"github.com/lox/portfoliosync/internal/fetch"
	"github.com/lox/portfoliosync/internal/ingest"
	"github.com/lox/portfoliosync/internal/logging"
	"github.com/lox/portfoliosync/internal/metrics"
	"github.com/lox/portfoliosync/internal/models"
	"github.com/lox/portfoliosync/internal/portal"
	"github.com/lox/portfoliosync/internal/publish"
	"github.com/lox/portfoliosync/internal/store"
)

// app holds what commands share: the signal context, loaded config, the
// logger and the open store.
type app struct {
	ctx    context.Context
	cli    *CLI
	stdout io.Writer

	cfg     *config.Config
	log     zerolog.Logger
	closers []io.Closer
	store   *store.Store
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

// load reads the config and builds the logger. Flag overrides are applied
// by the caller before Validate.
func (a *app) load() error {
	cfg, err := config.Load(a.cli.Config)
	if err != nil {
		return setupError(err)
	}
	if a.cli.LogLevel != "" {
		cfg.Logging.Level = a.cli.LogLevel
		if err := cfg.Validate(); err != nil {
			return setupError(err)
		}
	}
	a.cfg = cfg

	log, closer, err := logging.Setup(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Console:    cfg.Logging.Console,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return setupError(err)
	}
	a.log = log
	a.closers = append(a.closers, closer)
	return nil
}

// openStore opens and migrates the database.
func (a *app) openStore() error {
	st, err := store.Open(a.ctx, a.cfg.Database.Path, a.log)
	if err != nil {
		return setupError(err)
	}
	a.closers = append(a.closers, st)
	if err := st.Migrate(); err != nil {
		return setupError(fmt.Errorf("migrate: %w", err))
	}
	a.store = st
	a.log.Debug().Str("path", a.cfg.Database.Path).Msg("database ready")
	return nil
}

// coordinator wires the portal client, fetchers and store together.
func (a *app) coordinator() (*ingest.Coordinator, error) {
	if err := a.cfg.ValidateAPI(); err != nil {
		return nil, setupError(err)
	}

	opts := []portal.Option{portal.WithLogger(a.log)}
	if a.cfg.Database.KeepRawPayloads {
		opts = append(opts, portal.WithPayloadHook(a.archivePayload))
	}
	client, err := portal.New(portal.Config{
		BaseURL:           a.cfg.API.BaseURL,
		APIKey:            a.cfg.API.APIKey,
		Timeout:           a.cfg.API.TimeoutDuration(),
		RetryAttempts:     a.cfg.API.RetryAttempts,
		RetryBaseDelay:    a.cfg.API.RetryBaseDelay,
		RetryMaxDelay:     a.cfg.API.RetryMaxDelay,
		RequestsPerSecond: a.cfg.API.RequestsPerSecond,
		BreakerFailures:   a.cfg.API.BreakerFailures,
		BreakerTimeout:    a.cfg.API.BreakerTimeout,
	}, opts...)
	if err != nil {
		return nil, setupError(err)
	}

	fetchers := fetch.NewSet(client, a.store, fetch.Options{
		PriceAreas: a.cfg.Data.PriceAreas,
		Logger:     a.log,
	})
	return ingest.NewCoordinator(a.store, fetchers, ingest.WithLogger(a.log)), nil
}

func (a *app) archivePayload(ctx context.Context, path string, params url.Values, body []byte) {
	entity := ingest.EntityFromContext(ctx)
	_, err := a.store.StoreRawPayload(context.WithoutCancel(ctx), ingest.RunIDFromContext(ctx), string(entity), path, params.Encode(), body)
	if err != nil {
		a.log.Warn().Err(err).Str("path", path).Msg("archive raw payload")
	}
}

// runOptions builds the default run options from config.
func (a *app) runOptions(mode models.Mode) (ingest.RunOptions, error) {
	start, end, err := a.cfg.Dates()
	if err != nil {
		return ingest.RunOptions{}, setupError(err)
	}
	entities, err := a.cfg.Entities()
	if err != nil {
		return ingest.RunOptions{}, setupError(err)
	}
	opts := ingest.RunOptions{Mode: mode, Start: start, Entities: entities}
	if !end.IsZero() {
		opts.End = ingest.ExclusiveEnd(end)
	}
	return opts, nil
}

// afterRun does the housekeeping that follows every sync.
func (a *app) afterRun(ctx context.Context, summary *ingest.Summary, publishNow bool) {
	if a.cfg.Database.KeepRawPayloads && a.cfg.Database.RawPayloadRetention > 0 {
		n, err := a.store.CleanupRawPayloads(ctx, a.cfg.Database.RawPayloadRetention)
		if err != nil {
			a.log.Warn().Err(err).Msg("clean up raw payloads")
		} else if n > 0 {
			a.log.Info().Int64("deleted", n).Msg("raw payloads cleaned up")
		}
	}

	if publishNow {
		data, err := summary.JSON()
		if err != nil {
			a.log.Error().Err(err).Msg("encode summary for publish")
			return
		}
		if err := a.publish(ctx, data); err != nil {
			a.log.Error().Err(err).Msg("publish failed")
		}
	}
}

func (a *app) publish(ctx context.Context, summary []byte) error {
	if a.cfg.Publish.Addr == "" {
		return fmt.Errorf("publish.addr is not configured")
	}
	up := publish.NewFTP(publish.Config{
		Addr:     a.cfg.Publish.Addr,
		User:     a.cfg.Publish.User,
		Password: a.cfg.Publish.Password,
		Dir:      a.cfg.Publish.Dir,
		Timeout:  a.cfg.Publish.Timeout,
	}, a.log)
	_, err := publish.Run(ctx, a.store, up, summary, a.log)
	return err
}

func (a *app) pushMetrics() {
	if a.cfg.Metrics.PushgatewayURL == "" {
		return
	}
	start := time.Now()
	if err := metrics.Push(a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.Job); err != nil {
		a.log.Warn().Err(err).Msg("push metrics")
		return
	}
	a.log.Debug().Dur("duration", time.Since(start)).Msg("metrics pushed")
}
