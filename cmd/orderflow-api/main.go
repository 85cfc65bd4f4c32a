// README: Entry point; loads config, wires services, starts the HTTP server and the outbox relay.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderflow/internal/config"
	httptransport "orderflow/internal/http"
	"orderflow/internal/infra"
	"orderflow/internal/logger"
	"orderflow/internal/modules/matching"
	"orderflow/internal/modules/order"
	"orderflow/internal/notification"
	"orderflow/internal/outbox"
	"orderflow/internal/pubsub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	lg := logger.New("orderflow-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer dbPool.Close()

	if cfg.DB.Migrate {
		if err := infra.Migrate(ctx, dbPool); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		lg.Info(ctx, "migrations_applied", "schema is up to date", nil)
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		log.Fatalf("auth init: %v", err)
	}

	pub, err := pubsub.New(ctx, cfg)
	if err != nil {
		log.Fatalf("pubsub init: %v", err)
	}
	defer pub.Close()

	dispatcher := notification.NewDispatcher(notification.DefaultNotifiers(), pub, cfg.PubSub.PublishTimeout, lg)
	relay := outbox.NewRelay(outbox.NewStore(dbPool), dispatcher, cfg.Outbox, lg)

	matchingSvc := matching.NewService(matching.NewStore(dbPool), cfg.Matching, lg)
	orderSvc := order.NewService(order.ServiceDeps{
		Repo:       order.NewStore(dbPool),
		UoW:        infra.NewTxManager(dbPool),
		Assigner:   matchingSvc,
		Dispatcher: dispatcher,
		Outbox:     relay,
		Log:        lg,
	})

	handler := httptransport.NewServer(httptransport.ServerDeps{
		Order:    orderSvc,
		Matching: matchingSvc,
		Verifier: verifier,
		Log:      lg,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler.Routes(), ReadHeaderTimeout: 10 * time.Second}

	go relay.Run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error(shutdownCtx, "http_shutdown", "graceful shutdown failed", err, nil)
		}
	}()

	lg.Info(ctx, "http_listen", "serving", map[string]any{"addr": cfg.HTTP.Addr, "pubsub": cfg.PubSub.Driver})
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func newVerifier(ctx context.Context, cfg config.Config) (infra.TokenVerifier, error) {
	if cfg.Auth.Mode == "firebase" {
		return infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	}
	return infra.NewJWTVerifier(cfg.Auth.JWTSecret), nil
}
