// profiles runs the profile service: it mirrors account events into the
// profile store and serves the profile API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"identity-plane/backend/internal/config"
	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/event/dedup"
	"identity-plane/backend/internal/profile/consumer"
	"identity-plane/backend/internal/profile/handler"
	"identity-plane/backend/internal/profile/repository"
	"identity-plane/backend/internal/profile/service"
	"identity-plane/backend/internal/security"
	"identity-plane/backend/internal/server"
	"identity-plane/backend/internal/telemetry/otel"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}
	if cfg.ProfilesDatabaseURL == "" {
		log.Error("PROFILES_DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "idplane-profiles", cfg.OTLPInsecure)
	if err != nil {
		log.Error("telemetry", "error", err)
		os.Exit(1)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	pool, err := db.Open(ctx, cfg.ProfilesDatabaseURL)
	if err != nil {
		log.Error("database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	guard := dedup.NewPostgresGuard(pool)
	mirror := service.NewMirror(repository.NewPostgresRepository(pool), guard, log)

	brokers := cfg.KafkaBrokersList()
	if len(brokers) > 0 {
		c := consumer.New(brokers, cfg.KafkaTopicPrefix, cfg.ProfilesKafkaGroupID, mirror, log)
		go c.Run(ctx)
	} else {
		log.Warn("KAFKA_BROKERS not set; no events will be consumed")
	}

	go runDedupGC(ctx, guard, cfg.DedupRetention(), log)

	tokens := security.NewTokenProvider([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	router := server.NewRouter(log, pool.Ping)
	server.Protected(router, tokens, handler.New(mirror, log).RegisterRoutes)

	if err := server.Run(ctx, cfg.ProfilesHTTPAddr, router, log); err != nil {
		log.Error("server", "error", err)
		os.Exit(1)
	}
	log.Info("profile service stopped")
}

// runDedupGC prunes processed-event markers older than retention once per
// hour. Markers must outlive the broker's redelivery horizon.
func runDedupGC(ctx context.Context, guard dedup.Guard, retention time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := guard.DeleteOlderThan(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				log.Error("dedup gc failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("dedup markers pruned", "count", n)
			}
		}
	}
}
