package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okatkov/chatrelay/internal/auth"
	"github.com/okatkov/chatrelay/internal/broker"
	"github.com/okatkov/chatrelay/internal/config"
	"github.com/okatkov/chatrelay/internal/dispatch"
	"github.com/okatkov/chatrelay/internal/fanout"
	"github.com/okatkov/chatrelay/internal/registry"
	"github.com/okatkov/chatrelay/internal/store"
	"github.com/okatkov/chatrelay/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := config.Load()
	logger.Info("starting chat relay",
		"http", cfg.HTTPAddr, "instance", cfg.InstanceID, "broker", cfg.Broker)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Error("unable to open message store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	bk, channels, err := buildBroker(ctx, cfg, logger)
	if err != nil {
		logger.Error("unable to create broker", "err", err)
		os.Exit(1)
	}
	defer bk.Close()

	reg := registry.New(logger)
	dispatcher, err := dispatch.New(reg, cfg.DedupWindow, logger)
	if err != nil {
		logger.Error("unable to create dispatcher", "err", err)
		os.Exit(1)
	}

	publisher := fanout.NewPublisher(cfg.InstanceID, st, dispatcher, bk, channels, cfg.PublishTimeout, logger)
	subscriber := fanout.NewSubscriber(bk, dispatcher, channels, logger)
	if err := subscriber.Start(ctx); err != nil {
		logger.Error("unable to start subscriber", "err", err)
		os.Exit(1)
	}

	validator := auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTLeeway)
	lifecycle := ws.NewLifecycle(reg, publisher, st, logger)

	app := fiber.New()
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	ws.NewHandler(ctx, validator, lifecycle, cfg.SendBuffer, logger).Register(app)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := app.Shutdown(); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		if ctx.Err() == nil {
			logger.Error("listen error", "err", err)
			os.Exit(1)
		}
	}

	logger.Info("server stopped")
}

// buildBroker constructs the configured fan-out transport and the channel
// names that go with it.
func buildBroker(ctx context.Context, cfg config.Config, logger *slog.Logger) (broker.Broker, fanout.Channels, error) {
	switch cfg.Broker {
	case config.BrokerRedis:
		b, err := broker.NewRedis(ctx, cfg.Redis.URL, logger)
		if err != nil {
			return nil, fanout.Channels{}, err
		}
		return b, fanout.Channels{
			Messages: cfg.Redis.MessageChannel,
			Events:   cfg.Redis.EventChannel,
		}, nil

	case config.BrokerMemory:
		return broker.NewMemory(), fanout.Channels{Messages: "chat-messages", Events: "chat-events"}, nil

	case config.BrokerKafka:
		// Every instance consumes under its own group id so each one sees
		// every envelope; a shared group would split the stream.
		group := cfg.Kafka.Group + "-" + cfg.InstanceID
		b, err := broker.NewKafka(cfg.Kafka.Brokers, group, logger)
		if err != nil {
			return nil, fanout.Channels{}, err
		}
		return b, fanout.Channels{
			Messages: cfg.Kafka.MessageTopic,
			Events:   cfg.Kafka.EventTopic,
		}, nil

	default:
		return nil, fanout.Channels{}, fmt.Errorf("unknown broker %q (expected %s, %s or %s)",
			cfg.Broker, config.BrokerKafka, config.BrokerRedis, config.BrokerMemory)
	}
}
