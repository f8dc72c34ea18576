package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dropcode-go/internal/config"
	"dropcode-go/internal/database"
	"dropcode-go/internal/database/migrate"
	"dropcode-go/internal/logger"
	"dropcode-go/internal/server"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("Dropcode %s\n", formatVersionInfo())
		return
	}

	env := os.Getenv("APP_ENV")
	logger.Init(env)

	log.Info().
		Str("environment", env).
		Str("log_level", zerolog.GlobalLevel().String()).
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("starting dropcode")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error loading configuration")
	}
	logger.Init(cfg.Env)
	cfg.Log()

	db, err := database.NewFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("error closing database connection")
		}
	}()

	if health := db.Health(ctx); health["status"] != "up" {
		log.Fatal().
			Interface("error", health["error"]).
			Msg("database health check failed")
	}

	if err := migrate.RunMigrations(db.DB); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	srv, err := server.NewServer(ctx, cfg, db)
	if err != nil {
		log.Fatal().Err(err).Msg("error creating server")
	}
	defer srv.Close()

	httpServer, err := srv.Start(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("error starting server")
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-shutdown
		log.Info().Msg("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		httpServer.SetKeepAlivesEnabled(false)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
	}()

	log.Info().
		Str("url", cfg.BaseURL).
		Msg("server is ready to handle requests")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("HTTP server error")
		return
	}

	<-done
	log.Info().Msg("server shutdown completed")
}

func formatVersionInfo() string {
	return fmt.Sprintf(`Version: %s
Commit: %s
Built: %s`, version, commit, date)
}
