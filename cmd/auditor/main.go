package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/vcardrelay/internal/audit"
	"github.com/punchamoorthee/vcardrelay/internal/config"
)

func main() {
	cfg, err := config.LoadAuditor()
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.SetupLogging(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := audit.NewClient(ctx, cfg.ClickHouse)
	if err != nil {
		log.WithError(err).Fatal("unable to connect to ClickHouse")
	}
	defer client.Close()

	repo := audit.NewRepository(client)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("unable to create audit schema")
	}

	consumer, err := audit.NewConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.Audit.Queue, repo)
	if err != nil {
		log.WithError(err).Fatal("unable to start audit consumer")
	}
	defer consumer.Close()

	consumerDone := make(chan error, 1)
	go func() { consumerDone <- consumer.Start(ctx) }()

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	audit.NewHandler(repo).Routes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Audit.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("port", cfg.Audit.Port).Info("auditor starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("auditor server failed")
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-consumerDone:
		log.WithError(err).Error("audit consumer stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
