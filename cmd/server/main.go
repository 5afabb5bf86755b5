package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/prateek-m/veilchat/internal/accounts"
	"github.com/prateek-m/veilchat/internal/auth"
	"github.com/prateek-m/veilchat/internal/config"
	"github.com/prateek-m/veilchat/internal/handlers"
	"github.com/prateek-m/veilchat/internal/hub"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, err := accounts.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("database", cfg.DatabaseURL).Msg("open account directory")
	}
	defer func() { _ = dir.Close() }()

	h := hub.New(dir, log)
	go h.Start(ctx)

	api := &handlers.API{
		Hub:    h,
		Dir:    dir,
		Tokens: auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL),
		Log:    log,
	}

	app := fiber.New(fiber.Config{AppName: "veilchat"})

	app.Post("/api/signup", api.SignupHandler)
	app.Post("/api/login", api.LoginHandler)
	app.Get("/api/health", api.HealthHandler)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/api/ws", websocket.New(api.RegisterHandler))

	app.Static("/", cfg.StaticDir)

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("listening")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}
