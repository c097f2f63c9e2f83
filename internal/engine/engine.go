// Package engine assembles the processing stack: store, manager,
// scheduler, lock, processors and the worker. Both services build the
// same engine; the API service adds HTTP handlers on top, the worker
// service adds the poll loop.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/fableforge/fableforge/internal/config"
	"github.com/fableforge/fableforge/internal/lock"
	"github.com/fableforge/fableforge/internal/manager"
	"github.com/fableforge/fableforge/internal/notify"
	"github.com/fableforge/fableforge/internal/processor"
	"github.com/fableforge/fableforge/internal/providers/genai"
	"github.com/fableforge/fableforge/internal/scheduler"
	"github.com/fableforge/fableforge/internal/store"
	"github.com/fableforge/fableforge/internal/worker"
	"github.com/fableforge/fableforge/shared/postgresql"
	"github.com/fableforge/fableforge/shared/rabbitmq"
)

// Engine holds the wired processing stack.
type Engine struct {
	Store     store.Store
	Manager   *manager.Manager
	Scheduler *scheduler.Scheduler
	Locker    *lock.Locker
	Registry  *processor.Registry
	Notifier  *notify.Publisher
	Worker    *worker.Worker

	rabbit *rabbitmq.Client
}

// Build wires the engine from configuration.
func Build(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := buildStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	var rabbit *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbit, err = rabbitmq.NewClient(&rabbitmq.Config{
			Host:               cfg.RabbitMQ.Host,
			Port:               cfg.RabbitMQ.Port,
			User:               cfg.RabbitMQ.User,
			Password:           cfg.RabbitMQ.Password,
			VHost:              cfg.RabbitMQ.VHost,
			ExchangeName:       cfg.RabbitMQ.Exchange.Name,
			ExchangeType:       cfg.RabbitMQ.Exchange.Type,
			ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
			ExchangeAutoDelete: cfg.RabbitMQ.Exchange.AutoDelete,
			RoutingKey:         cfg.RabbitMQ.RoutingKey,
			RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
			RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
			Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
		}, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
	}

	mgr := manager.New(st, cfg, logger)
	sched := scheduler.New(mgr, cfg, logger)
	locker := lock.New(cfg.Engine.LockTTL, logger)
	notifier := notify.New(rabbit, logger)

	ai := genai.NewClient(genai.Options{
		BaseURL: cfg.Engine.GenAIBaseURL,
		APIKey:  cfg.Engine.GenAIAPIKey,
		Logger:  logger,
	})

	registry := processor.NewRegistry()
	registry.Register(processor.NewScenePlanner(mgr, ai, ai))
	registry.Register(processor.NewImageGen(mgr, ai))
	registry.Register(processor.NewCartoonizer(mgr, ai, ai))
	registry.Register(processor.NewStorybook(mgr, ai, ai, ai))
	registry.Register(processor.NewAutoStory(mgr, ai))

	w := worker.New(worker.Options{
		Manager:   mgr,
		Scheduler: sched,
		Registry:  registry,
		Locker:    locker,
		Notifier:  notifier,
		Config:    cfg,
		Logger:    logger,
		Region:    cfg.App.Region,
	})

	return &Engine{
		Store:     st,
		Manager:   mgr,
		Scheduler: sched,
		Locker:    locker,
		Registry:  registry,
		Notifier:  notifier,
		Worker:    w,
		rabbit:    rabbit,
	}, nil
}

func buildStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		client, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return store.NewPostgres(client.GetDB(), logger)
	case "sqlite":
		return store.OpenSQLite(cfg.Database.Path, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}
}

// Close releases the engine's external connections.
func (e *Engine) Close() {
	if e.rabbit != nil {
		e.rabbit.Close()
	}
	if e.Store != nil {
		e.Store.Close()
	}
}
