// Package app wires the delivery pipeline together: store, durable log,
// bus, consumer, gateway, assistant and the HTTP surface, with one
// lifecycle for startup and shutdown.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"

	"chatrelay/internal/retention"
	"chatrelay/pkg/assistant"
	"chatrelay/pkg/auth"
	"chatrelay/pkg/bus"
	"chatrelay/pkg/chatlog"
	"chatrelay/pkg/config"
	"chatrelay/pkg/consumer"
	"chatrelay/pkg/gateway"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/store"
	"chatrelay/pkg/uploads"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	log  *chatlog.Log
	bus  bus.Bus
	cons *consumer.Consumer
	hub  *gateway.Hub
	sec  auth.SecConfig
	sign *uploads.Signer
}

// New initializes resources that do not require a running context: the
// message store and the durable log, each on its own pebble instance under
// the data directory. Call Run to start the bus, consumer and HTTP server.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")
	cfg := eff.Config

	logger.InitWithLevel(cfg.Logging.Level)

	if err := store.Open(filepath.Join(eff.DBPath, "store")); err != nil {
		return nil, fmt.Errorf("open store at %s: %w", eff.DBPath, err)
	}
	l, err := chatlog.Open(filepath.Join(eff.DBPath, "log"), chatlog.Options{
		MaxPayload: int64(cfg.Log.MaxPayload),
	})
	if err != nil {
		return nil, fmt.Errorf("open log at %s: %w", eff.DBPath, err)
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		log:       l,
	}
	a.sec = auth.NewSecConfig(
		cfg.Security.CORS.AllowedOrigins,
		cfg.Security.APIKeys.Backend,
		cfg.Security.Signing.Keys,
		cfg.Gateway.EventRPS,
		cfg.Gateway.EventBurst,
	)
	return a, nil
}

// Run starts the pipeline and the HTTP server, and blocks until ctx is
// canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	cfg := a.eff.Config

	b, err := a.openBus(ctx)
	if err != nil {
		return err
	}
	a.bus = b

	var ah gateway.AssistantHandler
	if as := assistant.New(b, assistant.Options{
		APIKey:  cfg.Assistant.APIKey,
		BaseURL: cfg.Assistant.BaseURL,
		Model:   cfg.Assistant.Model,
		Timeout: cfg.Assistant.Timeout.D(),
		Context: cfg.Assistant.Context,
	}); as != nil {
		ah = as
	} else {
		logger.Info("assistant_disabled")
	}

	a.hub = gateway.New(b, a.log, ah, a.sec, gateway.Options{
		SendBuffer: cfg.Gateway.SendBuffer,
		ReadLimit:  int64(cfg.Gateway.ReadLimit),
		PongWait:   cfg.Gateway.PongWait.D(),
		WriteWait:  cfg.Gateway.WriteWait.D(),
		EventRPS:   cfg.Gateway.EventRPS,
		EventBurst: cfg.Gateway.EventBurst,
	})
	a.hub.Start()

	a.cons = consumer.New(a.log, b, consumer.Options{
		Group:     cfg.Log.Group,
		ReadBatch: cfg.Log.ReadBatch,
		PollEvery: cfg.Log.PollEvery.D(),
	})
	if err := a.cons.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	if cfg.Uploads.Bucket != "" {
		s, err := uploads.New(uploads.Options{
			Bucket:    cfg.Uploads.Bucket,
			Region:    cfg.Uploads.Region,
			AccessKey: cfg.Uploads.AccessKey,
			SecretKey: cfg.Uploads.SecretKey,
			Expiry:    cfg.Uploads.Expiry.D(),
		})
		if err != nil {
			return fmt.Errorf("configure uploads: %w", err)
		}
		a.sign = s
	} else {
		logger.Info("uploads_disabled")
	}

	stopRetention, err := retention.Start(ctx, a.eff, a.log)
	if err != nil {
		return err
	}
	defer stopRetention()

	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) openBus(ctx context.Context) (bus.Bus, error) {
	switch a.eff.Config.Bus.Mode {
	case "redis":
		b, err := bus.NewRedis(ctx, bus.RedisOptions{
			Addr:     a.eff.Config.Bus.RedisAddr,
			Password: a.eff.Config.Bus.RedisPassword,
			DB:       a.eff.Config.Bus.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis bus at %s: %w", a.eff.Config.Bus.RedisAddr, err)
		}
		return b, nil
	case "memory", "":
		logger.Info("bus_memory")
		return bus.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown bus mode %q", a.eff.Config.Bus.Mode)
	}
}

// shutdown tears components down in delivery order: stop consuming, close
// the bus, then the log and store.
func (a *App) shutdown() {
	if a.cons != nil {
		a.cons.Stop()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	_ = a.log.Close()
	_ = store.Close()
	logger.Info("shutdown_complete")
}
