package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/xiaonanln/fanverse/broadcast"
	"github.com/xiaonanln/fanverse/config"
	"github.com/xiaonanln/fanverse/server"
	"github.com/xiaonanln/fanverse/store"
	"github.com/xiaonanln/fanverse/store/memory"
	"github.com/xiaonanln/fanverse/store/postgres"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		httpAddr   = flag.String("http", "", "HTTP listen address (overrides config)")
	)
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}

	// Loggers read the level from the environment when constructed, so set it
	// before any pipeline component is built
	if os.Getenv("FANVERSE_LOG_LEVEL") == "" {
		os.Setenv("FANVERSE_LOG_LEVEL", cfg.LogLevel)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage backend: %v", err)
	}
	defer st.Close()

	presets, err := cfg.BuildPresetRegistry()
	if err != nil {
		log.Fatalf("Failed to build scale presets: %v", err)
	}

	pipeline, err := broadcast.NewPipeline(st, presets, cfg.Server.HeartbeatInterval())
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	srv := server.New(cfg.Server, pipeline)
	srv.Start()
	log.Printf("fanversed started (backend: %s, preset: %s)", cfg.Storage.Backend, presets.Active().Name)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	if err := srv.Stop(); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	pipeline.Stop()
	log.Println("Shutdown complete")
}

// openStore opens the configured persistence backend, initializing the
// postgres schema when needed.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := postgres.NewDB(&cfg.Storage.Postgres)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
		return postgres.NewStore(db), nil
	default:
		return memory.New(), nil
	}
}
