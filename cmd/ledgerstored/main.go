package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/internal/api"
	"github.com/celerix-dev/celerix-rewards/internal/audit"
	"github.com/celerix-dev/celerix-rewards/internal/config"
	"github.com/celerix-dev/celerix-rewards/internal/handler"
	"github.com/celerix-dev/celerix-rewards/internal/logging"
	"github.com/celerix-dev/celerix-rewards/internal/server"
	"github.com/celerix-dev/celerix-rewards/internal/vault"
	"github.com/celerix-dev/celerix-rewards/pkg/engine"
)

func main() {
	cfg := config.LoadDaemon()
	log := logging.Must(cfg.LogProduction)
	defer log.Sync()

	log.Info("starting ledger store daemon", zap.String("data_dir", cfg.DataDir))

	persister, err := engine.NewPersistence(cfg.DataDir)
	if err != nil {
		log.Fatal("failed to initialize persistence", zap.Error(err))
	}
	persister.SetLogger(log)

	initialData, err := persister.LoadAll()
	if err != nil {
		// An unreadable data dir must not come up as an empty ledger.
		log.Fatal("could not load existing data", zap.Error(err))
	}

	store := engine.NewMemStore(initialData, persister)
	log.Info("engine started", zap.Int("personas", len(initialData)))

	router := server.NewRouter(store, log.Named("tcp"))

	if !cfg.DisableTLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			log.Fatal("failed to generate TLS certificate", zap.Error(err))
		}
		router.SetCertificate(cert)
		log.Info("TLS encryption enabled")
	} else {
		log.Warn("TLS encryption disabled (CELERIX_DISABLE_TLS=true)")
	}

	if cfg.LogProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	h := &api.Handler{Store: store, Journal: audit.NewStoreJournal(store), Log: log}
	r := gin.New()
	r.Use(gin.Recovery(), handler.RequestLogger(log.Named("http")), handler.CORS(nil))
	h.Register(r.Group("/api"))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: r}
	go func() {
		log.Info("inspection API listening", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("shutdown signal received, finalizing disk writes")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = router.Stop()
	}()

	log.Info("engine listening", zap.String("port", cfg.Port))
	if err := router.Listen(cfg.Port); err != nil {
		log.Error("TCP server failed", zap.Error(err))
	}

	store.Wait()
	log.Info("persistence complete, exiting")
}
