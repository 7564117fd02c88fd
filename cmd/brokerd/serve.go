package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/brokerhq/brokerd/internal/broker"
	"github.com/brokerhq/brokerd/internal/broker/adapters/telegram"
	"github.com/brokerhq/brokerd/internal/broker/adapters/whatsapp"
	"github.com/brokerhq/brokerd/internal/bus"
	"github.com/brokerhq/brokerd/internal/config"
	"github.com/brokerhq/brokerd/internal/db"
	"github.com/brokerhq/brokerd/internal/handlers"
	"github.com/brokerhq/brokerd/internal/logger"
	"github.com/brokerhq/brokerd/internal/message"
	"github.com/brokerhq/brokerd/internal/server"
)

// retryMinAge keeps the resend cron from racing fresh in-flight sends.
const retryMinAge = 10 * time.Minute

func runServe() {
	fx.New(
		fx.Provide(
			loadConfig,
			provideLogger,
			provideDBConn,
			provideBus,
			broker.NewStore,
			message.NewService,
			provideIdentityResolver,
			provideAdapterDeps,
			provideRegistry,
			provideDispatcher,
			provideDelivery,
			provideComposer,
			provideWebhookService,
			handlers.NewPingHandler,
			provideAuthHandler,
			provideWebhookHandler,
			provideBrokersHandler,
			provideMessagesHandler,
			provideServer,
		),
		fx.Invoke(
			registerPostedHook,
			startRetryCron,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.Postgres.DSN()
	if err := db.Migrate(dsn, log); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := db.Connect(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideBus(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (bus.Publisher, error) {
	if cfg.Rabbit.Disabled {
		log.Info("bus disabled, updates will not be published")
		return bus.Nop{}, nil
	}
	publisher, err := bus.New(cfg.Rabbit.URL, cfg.Rabbit.Exchange, log)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return publisher.Close() }})
	return publisher, nil
}

func provideIdentityResolver(store *broker.Store, log *slog.Logger) *broker.IdentityResolver {
	return broker.NewIdentityResolver(store, log)
}

func provideAdapterDeps(store *broker.Store, identity *broker.IdentityResolver, messages *message.Service, publisher bus.Publisher, log *slog.Logger) broker.AdapterDeps {
	return broker.AdapterDeps{
		Channels: store,
		Identity: identity,
		Messages: messages,
		Records:  store,
		Bus:      publisher,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		Logger:   log,
	}
}

func provideRegistry(deps broker.AdapterDeps, store *broker.Store, log *slog.Logger) (*broker.Registry, error) {
	registry := broker.NewRegistry()
	if err := registry.Register(telegram.New(deps, log)); err != nil {
		return nil, err
	}
	if err := registry.Register(whatsapp.New(deps, store, log)); err != nil {
		return nil, err
	}
	return registry, nil
}

func provideDispatcher(registry *broker.Registry, store *broker.Store, log *slog.Logger) *broker.Dispatcher {
	return broker.NewDispatcher(registry, store, log)
}

func provideDelivery(registry *broker.Registry, store *broker.Store, messages *message.Service, publisher bus.Publisher, cfg config.Config, log *slog.Logger) *broker.Delivery {
	timeout := time.Duration(cfg.Delivery.SendTimeoutSeconds) * time.Second
	return broker.NewDelivery(registry, store, messages, publisher, timeout, log)
}

func provideWebhookService(registry *broker.Registry, store *broker.Store, cfg config.Config, log *slog.Logger) *broker.WebhookService {
	return broker.NewWebhookService(registry, store, cfg.Webhook.BaseURL, log)
}

func provideAuthHandler(cfg config.Config, log *slog.Logger) *handlers.AuthHandler {
	return handlers.NewAuthHandler(&cfg, log)
}

func provideWebhookHandler(dispatcher *broker.Dispatcher, log *slog.Logger) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(dispatcher, log)
}

func provideBrokersHandler(store *broker.Store, registry *broker.Registry, webhooks *broker.WebhookService, log *slog.Logger) *handlers.BrokersHandler {
	return handlers.NewBrokersHandler(store, registry, webhooks, log)
}

func provideComposer(store *broker.Store, messages *message.Service, log *slog.Logger) *broker.Composer {
	return broker.NewComposer(store, messages, log)
}

func provideMessagesHandler(messages *message.Service, composer *broker.Composer, delivery *broker.Delivery, log *slog.Logger) *handlers.MessagesHandler {
	return handlers.NewMessagesHandler(messages, composer, delivery, log)
}

func provideServer(cfg config.Config, ping *handlers.PingHandler, auth *handlers.AuthHandler, webhook *handlers.WebhookHandler, brokers *handlers.BrokersHandler, msgs *handlers.MessagesHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, cfg.Auth.JWTSecret, ping, auth, webhook, brokers, msgs)
}

// registerPostedHook routes application posts on broker channels into the
// outbound delivery pipeline and body edits out to delivered copies.
func registerPostedHook(messages *message.Service, delivery *broker.Delivery) {
	messages.OnPosted(delivery.PostedHook())
	messages.OnEdited(delivery.EditedHook())
}

func startRetryCron(lc fx.Lifecycle, cfg config.Config, delivery *broker.Delivery, log *slog.Logger) error {
	if cfg.Delivery.RetrySpec == "" {
		return nil
	}
	var c *cron.Cron
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			started, err := delivery.StartRetryCron(cfg.Delivery.RetrySpec, retryMinAge)
			if err != nil {
				return fmt.Errorf("retry cron: %w", err)
			}
			c = started
			log.Info("retry cron scheduled", slog.String("spec", cfg.Delivery.RetrySpec))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if c != nil {
				<-c.Stop().Done()
			}
			return nil
		},
	})
	return nil
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
