package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nodecollab/internal/api"
	"nodecollab/internal/auth"
	"nodecollab/internal/config"
	"nodecollab/internal/discovery"
	"nodecollab/internal/redis"
	"nodecollab/internal/relay"
	"nodecollab/internal/service/registry"
	"nodecollab/internal/storage"
	"nodecollab/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("NODECOLLAB_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("NODECOLLAB_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: sessions, operations, host_tokens
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var (
		rdb       *redis.Client
		backplane *relay.Backplane
	)
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
		backplane = relay.NewBackplane(rdb)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registryService := registry.NewService(db, dbType)
	registryService.StartCleaner(ctx, registry.DefaultCleanupInterval, registry.DefaultClosedRetention)

	tokenTTL := time.Duration(cfg.BasicConfig.HostTokenTTL) * time.Hour
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	authService := auth.NewService(db, dbType, rdb, tokenTTL)

	journal := worker.NewJournal(registryService, worker.JournalConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	})

	hub := relay.NewHub(relay.Options{
		Registry:       registryService,
		Tokens:         authService,
		Journal:        journal,
		Backplane:      backplane,
		AllowedOrigins: cfg.BasicConfig.AllowedOrigins,
	})
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("relay backplane stopped: %v", err)
		}
	}()

	handlers := api.NewHandler(registryService, authService, hub)
	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", addr, err)
	}

	if cfg.Discovery.Enabled {
		port := listener.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(cfg.Discovery.Instance, port, hub.NodeID())
		if err != nil {
			log.Printf("discovery disabled: %v", err)
		} else {
			defer adv.Shutdown()
		}
	}

	server := &http.Server{Handler: router}
	go func() {
		<-ctx.Done()
		log.Printf("shutting down %s", hub)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Shutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("relay listening on %s", listener.Addr())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server stopped: %v", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := journal.Close(drainCtx); err != nil {
		log.Printf("journal drain: %v", err)
	}
	log.Printf("relay stopped")
}
