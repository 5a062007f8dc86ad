package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/chargebridge/chargebridge/pkg/bridge"
	"github.com/chargebridge/chargebridge/pkg/cloudcharge"
	"github.com/chargebridge/chargebridge/pkg/config"
	"github.com/chargebridge/chargebridge/pkg/log"
	"github.com/chargebridge/chargebridge/pkg/mqtt"
	"github.com/chargebridge/chargebridge/pkg/server"
	"github.com/chargebridge/chargebridge/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages, config first so its flags resolve before the others read it
	cfg := config.Configured()
	api := cloudcharge.Configured()
	db := storage.Configured()
	b := bridge.Configured(api, db, cfg)

	// init server
	srv := server.Configured(b, db, cfg)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if err := b.Setup(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "bridge setup failed", "error", err)
		os.Exit(1)
	}

	// the MQTT publisher is optional and a broker failure shouldn't take the
	// API down with it
	if mqttSettings := cfg.Settings().MQTT; mqttSettings.BrokerURL != "" {
		pub, err := mqtt.NewPublisher(b, mqttSettings)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid MQTT configuration", "error", err)
			os.Exit(1)
		}
		if err := pub.Open(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to connect to MQTT broker", "error", err)
		} else {
			defer pub.Close()
		}
	}

	var wg sync.WaitGroup
	var bridgeErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		if bridgeErr = b.Run(ctx); bridgeErr != nil {
			log.Ctx(ctx).ErrorContext(ctx, "bridge failed", "error", bridgeErr)
			cancel()
		}
	}()

	// Run blocks until the context is canceled or the listener fails
	err := srv.Run(ctx)
	cancel()
	wg.Wait()

	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	if bridgeErr != nil {
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
