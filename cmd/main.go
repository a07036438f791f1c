package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	httpapi "github.com/meshrtc/meshconf/internal/api/http"
	"github.com/meshrtc/meshconf/internal/auth"
	"github.com/meshrtc/meshconf/internal/config"
	"github.com/meshrtc/meshconf/internal/registry"
	"github.com/meshrtc/meshconf/internal/relay"
	"github.com/meshrtc/meshconf/lib/logger/slogpretty"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	reg := registry.New(log, cfg.Room.MaxParticipants)
	rel := relay.New(log, reg, cfg.Room.TerminateOnOwnerLeave)
	authenticator := auth.NewGuestAuthenticator()

	relayController := httpapi.NewRelayController(rel, reg, authenticator, log, cfg.Room.MaxMessagesPerMinute)
	router := httpapi.SetupRouter(relayController, cfg.HTTP.AllowOrigins, cfg.WebRTC.STUNServers)

	log.Info("starting application", slog.String("addr", cfg.HTTP.Address))
	if err := router.Run(cfg.HTTP.Address); err != nil {
		log.Error("http server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
