package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dropcode-go/internal/cli"
	"dropcode-go/internal/config"
	"dropcode-go/internal/database"
	"dropcode-go/internal/database/migrate"
	"dropcode-go/internal/logger"
	"dropcode-go/internal/server"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog/log"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func load(ctx context.Context) (cli.Backend, func(), error) {
	cfg, err := config.NewMaintenanceConfig()
	if err != nil {
		return nil, nil, err
	}
	logger.Init(cfg.Env)

	db, err := database.NewFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.RunMigrations(db.DB); err != nil {
		db.Close()
		return nil, nil, err
	}

	deps, err := server.NewDependencies(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	release := func() {
		deps.Close()
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("error closing database connection")
		}
	}
	return cli.ServiceBackend{Service: deps.Service}, release, nil
}

func main() {
	logger.Init(os.Getenv("APP_ENV"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(load, cli.BuildInfo{Version: version, Commit: commit, Date: date})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
