package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"finledger.org/internal/auth"
	"finledger.org/internal/config"
	"finledger.org/internal/httpapi"
	"finledger.org/internal/ledger"
	"finledger.org/internal/migrate"
	"finledger.org/internal/obs"
	"finledger.org/internal/store/pg"
	"finledger.org/internal/stream"
	"finledger.org/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.AuthSecret != "" {
		auth.SetSecret(cfg.AuthSecret)
	}

	events := stream.New()

	// Postgres when a DSN is set, in-memory otherwise. The in-memory mode
	// keeps local development working without a database.
	var (
		svc   ledger.Service
		probe httpapi.ReadyProbe
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN,
			pg.WithStream(events),
			pg.WithBalanceOverridePolicy(cfg.AllowBalanceOverride))
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.DB().Close()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		mgr := migrate.NewManager(store.DB(), migrations.Files(), nil)
		if err := mgr.Up(ctx); err != nil {
			cancel()
			log.Fatalf("apply migrations: %v", err)
		}
		cancel()

		svc = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Print("no FINLEDGER_PG_DSN set, using in-memory ledger")
		svc = ledger.NewInMemory(
			ledger.WithStream(events),
			ledger.WithBalanceOverridePolicy(cfg.AllowBalanceOverride))
	}

	api := httpapi.New(svc, probe, version,
		httpapi.WithStream(events),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSecond))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	log.Printf("Starting finledger-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
