// Command controlplane runs the TaskRun control plane: the HTTP API
// (tasks, workers, enrollment) and the mTLS worker stream listener.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/filipelabs/taskrun/internal/api"
	"github.com/filipelabs/taskrun/internal/bus"
	"github.com/filipelabs/taskrun/internal/common/config"
	"github.com/filipelabs/taskrun/internal/common/httpmw"
	"github.com/filipelabs/taskrun/internal/common/logger"
	"github.com/filipelabs/taskrun/internal/identity"
	"github.com/filipelabs/taskrun/internal/scheduler"
	"github.com/filipelabs/taskrun/internal/state"
	"github.com/filipelabs/taskrun/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		panic(err)
	}
	logger.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ca, err := identity.LoadCA(cfg.Identity.CACertPath, cfg.Identity.CAKeyPath, cfg.Identity.WorkerCertValidDays)
	if err != nil {
		log.Fatal("failed to load CA", zap.Error(err))
	}
	identityStore := identity.NewStore(ca)

	streamBus := bus.NewStreamBus()
	uiBus := bus.NewUiBus(log)
	store := state.New(streamBus, uiBus, log)
	sched := scheduler.New(store, log)

	if cfg.UiBus.NATSURL != "" {
		bridge, err := bus.NewNATSBridge(cfg.UiBus.NATSURL, "taskrun.ui", log)
		if err != nil {
			log.Error("failed to connect ui bus nats bridge, continuing without it", zap.Error(err))
		} else {
			go bridge.Run(ctx, uiBus)
			defer bridge.Close()
		}
	}

	apiHandler := api.NewHandler(store, sched, identityStore, log)
	httpServer := newHTTPServer(cfg, apiHandler, log)
	workerServer, err := newWorkerServer(cfg, store, identityStore, log)
	if err != nil {
		log.Fatal("failed to start worker stream listener", zap.Error(err))
	}

	go func() {
		log.Info("http api listening", zap.String("addr", cfg.Server.HTTPBindAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()

	go func() {
		log.Info("worker stream listening", zap.String("addr", cfg.Server.WorkerBindAddr))
		if err := workerServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Error("worker stream server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = workerServer.Shutdown(shutdownCtx)
}

func newHTTPServer(cfg *config.Config, apiHandler *api.Handler, log *logger.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "api"), gin.Recovery())

	router.GET("/health", api.Health)
	v1 := router.Group("/v1")
	api.SetupRoutes(v1, apiHandler)

	return &http.Server{
		Addr:         cfg.Server.HTTPBindAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
}

func newWorkerServer(cfg *config.Config, store *state.StateStore, identityStore *identity.Store, log *logger.Logger) (*http.Server, error) {
	serverCertPEM := []byte(identityStore.CACertPEM())
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(serverCertPEM)

	serverCert, err := tls.LoadX509KeyPair(cfg.Identity.CACertPath, cfg.Identity.CAKeyPath)
	if err != nil {
		return nil, err
	}

	wsServer := worker.NewServer(store, log)
	mux := http.NewServeMux()
	mux.Handle("/v1/stream", wsServer)

	return &http.Server{
		Addr:         cfg.Server.WorkerBindAddr,
		Handler:      mux,
		TLSConfig:    worker.TLSConfig(serverCert, pool),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}, nil
}
