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

	"github.com/punchamoorthee/vcardrelay/internal/api"
	"github.com/punchamoorthee/vcardrelay/internal/auth"
	"github.com/punchamoorthee/vcardrelay/internal/config"
	"github.com/punchamoorthee/vcardrelay/internal/delivery"
	"github.com/punchamoorthee/vcardrelay/internal/events"
	"github.com/punchamoorthee/vcardrelay/internal/realtime"
	"github.com/punchamoorthee/vcardrelay/internal/service"
	"github.com/punchamoorthee/vcardrelay/internal/session"
	"github.com/punchamoorthee/vcardrelay/internal/store"
	"github.com/punchamoorthee/vcardrelay/internal/store/memstore"
)

const purgeInterval = time.Hour

// backend is everything the relay needs from persistence.
type backend interface {
	service.AccountRepository
	service.Ledger
	service.RequestRepository
	service.TxManager
	delivery.NotificationStore
	api.Records
	PurgeDelivered(ctx context.Context, olderThan time.Duration) (int64, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.SetupLogging(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := openBackend(ctx, cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("unable to open store")
	}
	defer closeDB()

	var publisher service.EventPublisher = events.NopPublisher{}
	if cfg.RabbitMQ.URL != "" {
		p, err := events.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.WithError(err).Fatal("unable to start event publisher")
		}
		defer p.Close()
		publisher = p
	} else {
		log.Warn("RABBITMQ_URL not set, transfer events are not published")
	}

	// Initialize Layers
	registry := session.NewRegistry()
	router := delivery.NewRouter(registry, db, cfg.Realtime.ReplayTimeout)
	registry.OnFirstConnect(router.Replay)

	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	accounts := service.NewAccountService(db, db, router)
	transfers := service.NewTransferService(db, db, db, db, router, publisher)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", realtime.NewServer(registry, tokens, db, transfers, router, cfg.Realtime.SendBuffer))
	api.NewHandler(accounts, transfers, router, db, tokens).Routes(r)

	go purgeLoop(ctx, db, cfg.Store.Retention)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithFields(log.Fields{"port": cfg.Port, "store": cfg.Store.Driver}).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	registry.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (backend, func(), error) {
	if cfg.Driver == config.DriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return memstore.New(), func() {}, nil
	}

	st, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, st.Close, nil
}

func purgeLoop(ctx context.Context, db backend, retention time.Duration) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeDelivered(ctx, retention)
			if err != nil {
				log.WithError(err).Warn("notification purge failed")
				continue
			}
			if n > 0 {
				log.WithField("purged", n).Info("purged delivered notifications")
			}
		}
	}
}
