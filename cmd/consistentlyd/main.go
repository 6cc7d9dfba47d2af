// Package main contains a demo daemon running the command-to-event pipeline
// on the Note aggregate, against an in-memory or a PostgreSQL Event Store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/get-consistently/go-consistently/command"
	"github.com/get-consistently/go-consistently/engine"
	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/internal/note"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/logger/zaplogger"
	"github.com/get-consistently/go-consistently/opentelemetry"
	"github.com/get-consistently/go-consistently/postgres"
	"github.com/get-consistently/go-consistently/publish"
	"github.com/get-consistently/go-consistently/serde"
)

const envPrefix = "consistently"

type config struct {
	// DatabaseURL selects the PostgreSQL Event Store when set.
	DatabaseURL string        `split_words:"true"`
	Updates     int           `default:"100"`
	Timeout     time.Duration `default:"30s"`
}

func parseConfig() (*config, error) {
	var config config

	if err := envconfig.Process(envPrefix, &config); err != nil {
		return nil, fmt.Errorf("config: failed to parse from env, %w", err)
	}

	return &config, nil
}

type stores struct {
	events   event.Store
	versions publish.VersionStore
	close    func()
}

func openStores(ctx context.Context, config *config) (stores, error) {
	if config.DatabaseURL == "" {
		return stores{
			events:   event.NewInMemoryStore(),
			versions: publish.NewInMemoryVersionStore(),
			close:    func() {},
		}, nil
	}

	if err := postgres.RunMigrations(config.DatabaseURL); err != nil {
		return stores{}, fmt.Errorf("consistentlyd: failed to run migrations, %w", err)
	}

	pool, err := pgxpool.New(ctx, config.DatabaseURL)
	if err != nil {
		return stores{}, fmt.Errorf("consistentlyd: failed to connect to database, %w", err)
	}

	registry := serde.NewRegistry()
	note.RegisterEvents(registry)

	return stores{
		events:   postgres.NewEventStore(pool, registry),
		versions: postgres.NewVersionStore(pool),
		close:    pool.Close,
	}, nil
}

// titles is a read model of the Note titles.
type titles struct {
	mx     sync.Mutex
	byNote map[string]string
}

func (*titles) Name() string { return "note-titles" }

func (p *titles) Process(_ context.Context, stream event.Stream) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	for _, evt := range stream.Events {
		switch evt := evt.Message.(type) {
		case note.WasCreated:
			p.byNote[stream.AggregateID] = evt.Title
		case note.TitleWasChanged:
			p.byNote[stream.AggregateID] = evt.Title
		}
	}

	return nil
}

func (p *titles) Title(id string) string {
	p.mx.Lock()
	defer p.mx.Unlock()

	return p.byNote[id]
}

// demo creates a Note, changes its title concurrently, then redelivers
// the creating Command.
func demo(ctx context.Context, e *engine.Engine, l logger.Logger, updates int, projection *titles) error {
	id := uuid.NewString()
	create := command.New(id, note.CreateNote{ID: id, Title: "title 0"})

	result, err := e.Execute(ctx, create)
	if err != nil {
		return fmt.Errorf("consistentlyd: failed to create note, %w", err)
	}

	if err := result.Err(); err != nil {
		return fmt.Errorf("consistentlyd: note not created, %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)

	for i := 1; i <= updates; i++ {
		group.Go(func() error {
			cmd := command.New(id, note.ChangeNoteTitle{NoteID: id, Title: fmt.Sprintf("title %d", i)})

			result, err := e.Execute(gctx, cmd)
			if err != nil {
				return err
			}

			return result.Err()
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("consistentlyd: failed to change note title, %w", err)
	}

	duplicate, err := e.ExecuteAndWaitPublished(ctx, create)
	if err != nil {
		return fmt.Errorf("consistentlyd: failed to redeliver create command, %w", err)
	}

	root, err := e.Cache().GetOrLoad(ctx, note.Type, id)
	if err != nil {
		return fmt.Errorf("consistentlyd: failed to load note, %w", err)
	}

	logger.Info(l, "consistentlyd: demo completed",
		logger.With("noteId", id),
		logger.With("version", root.Version()),
		logger.With("title", root.(*note.Note).Title()),
		logger.With("duplicateVersion", duplicate.Version),
		logger.With("duplicate", duplicate.Duplicate),
		logger.With("projectedTitle", projection.Title(id)),
	)

	return nil
}

func run() error {
	config, err := parseConfig()
	if err != nil {
		return fmt.Errorf("consistentlyd: failed to parse config, %w", err)
	}

	engineConfig, err := engine.ParseConfig(envPrefix)
	if err != nil {
		return fmt.Errorf("consistentlyd: failed to parse engine config, %w", err)
	}

	zapLogger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("consistentlyd: failed to initialize logger, %w", err)
	}

	//nolint:errcheck // No need for this error to come up if it happens.
	defer zapLogger.Sync()

	l := zaplogger.Wrap(zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStores(ctx, config)
	if err != nil {
		return err
	}

	defer s.close()

	service := opentelemetry.WithAttributes(attribute.String("service.name", "consistentlyd"))

	store, err := opentelemetry.NewInstrumentedEventStore(s.events, service)
	if err != nil {
		return fmt.Errorf("consistentlyd: failed to instrument event store, %w", err)
	}

	projection := &titles{byNote: make(map[string]string)}

	processor, err := opentelemetry.NewInstrumentedProcessor(projection, service)
	if err != nil {
		return fmt.Errorf("consistentlyd: failed to instrument processor, %w", err)
	}

	registry := command.NewRegistry()
	note.Register(registry)

	e, err := engine.New(engineConfig, store, registry,
		engine.WithLogger(l),
		engine.WithVersionStore(s.versions),
		engine.WithProcessors(processor),
	)
	if err != nil {
		return fmt.Errorf("consistentlyd: failed to create engine, %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()

	demoCtx, demoCancel := context.WithTimeout(ctx, config.Timeout)
	defer demoCancel()

	demoErr := demo(demoCtx, e, l, config.Updates, projection)

	cancel()

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consistentlyd: engine stopped with error, %w", err)
	}

	return demoErr
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
