package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dagnet/config"
	"dagnet/db"
	"dagnet/handlers"
	"dagnet/identity"
	"dagnet/logger"
	"dagnet/node"
	"dagnet/repository"
	"dagnet/routers"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	// Load config; a bad config is fatal before anything starts.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("Config file error:", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.LogFile, cfg.LogLevel); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}

	logger.Logger.Info("Starting dagnet node...")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		logger.Logger.Fatal("Failed to create data dir", zap.Error(err))
	}

	// Key material; corruption here is fatal, never silently regenerated.
	id, err := identity.LoadOrCreate(cfg.KeyFile)
	if err != nil {
		logger.Logger.Fatal("Failed to load identity", zap.Error(err))
	}
	logger.Logger.Info("Node identity", zap.String("peer_id", id.PeerID().String()))

	// Connect to LevelDB
	ldb, err := db.NewLevelDB(filepath.Join(cfg.DataDir, "events"))
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	// Initialize repository and node
	repo := repository.NewEventRepository(ldb)
	n, err := node.New(cfg, id, repo)
	if err != nil {
		logger.Logger.Fatal("Failed to build node", zap.Error(err))
	}
	if err := n.Start(); err != nil {
		logger.Logger.Fatal("Failed to start node", zap.Error(err))
	}
	defer n.Stop()

	// Admin / upstream HTTP surface
	h := handlers.NewHandler(n, n.Graph())
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", cfg.APIPort))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	srv.Close()
}
