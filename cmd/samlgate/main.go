package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openfed/samlgate/internal/server"
)

func main() {
	cfg := server.LoadConfig()

	log, err := buildLogger(cfg)
	if err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	srv, err := server.NewServer(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize gateway", zap.Error(err))
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reapLoop(ctx, srv, log)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("gateway starting",
			zap.String("listen", cfg.ListenAddr),
			zap.String("entity_id", cfg.EntityID),
			zap.String("base_url", cfg.BaseURL))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("gateway failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down gateway")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatal("gateway forced to shutdown", zap.Error(err))
	}

	log.Info("gateway exited gracefully")
}

func buildLogger(cfg *server.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() || cfg.Debug {
		c := zap.NewDevelopmentConfig()
		if !cfg.Debug {
			c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		}
		return c.Build()
	}
	return zap.NewProduction()
}

// reapLoop clears long-expired sessions and tickets once an hour.
func reapLoop(ctx context.Context, srv *server.Server, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := srv.Reap(); err != nil {
				log.Warn("store reap failed", zap.Error(err))
			}
		}
	}
}
