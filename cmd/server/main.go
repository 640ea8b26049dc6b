// server runs the authentication service: credential verification, token
// issuance and rotation, and the account lifecycle API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"identity-plane/backend/internal/account/repository"
	"identity-plane/backend/internal/audit"
	auditrepo "identity-plane/backend/internal/audit/repository"
	authhandler "identity-plane/backend/internal/auth/handler"
	authsvc "identity-plane/backend/internal/auth/service"
	"identity-plane/backend/internal/config"
	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/event/publisher"
	"identity-plane/backend/internal/lockout"
	"identity-plane/backend/internal/security"
	"identity-plane/backend/internal/server"
	"identity-plane/backend/internal/server/middleware"
	"identity-plane/backend/internal/telemetry/otel"
	tokenrepo "identity-plane/backend/internal/token/repository"
	tokensvc "identity-plane/backend/internal/token/service"
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
	if cfg.DatabaseURL == "" {
		log.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "idplane-auth", cfg.OTLPInsecure)
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

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	pub := publisher.NewKafkaPublisher(cfg.KafkaBrokersList(), cfg.KafkaTopicPrefix)
	defer func() { _ = pub.Close() }()
	if pub == nil {
		log.Warn("KAFKA_BROKERS not set; events will not be published")
	}

	accounts := repository.NewPostgresRepository(pool)
	auditLog := audit.NewLogger(auditrepo.NewPostgresRepository(pool), middleware.ClientIPFrom, log)
	tokens := security.NewTokenProvider([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())

	svc := authsvc.NewAuthService(
		accounts,
		tokensvc.NewLedger(tokenrepo.NewPostgresRepository(pool)),
		lockout.NewPolicy(accounts, cfg.LockoutThreshold, cfg.LockDuration()),
		security.NewHasher(cfg.BcryptCost),
		tokens,
		pub,
		auditLog,
		authsvc.TTLConfig{
			Refresh:      cfg.RefreshTTL(),
			Verification: cfg.VerificationTTL(),
			Reset:        cfg.ResetTTL(),
			Session:      cfg.SessionLifetime(),
		},
		log,
	)

	h := authhandler.New(svc, log)
	router := server.NewRouter(log, pool.Ping)
	h.RegisterPublicRoutes(router)
	server.Protected(router, tokens, h.RegisterProtectedRoutes)

	if err := server.Run(ctx, cfg.HTTPAddr, router, log); err != nil {
		log.Error("server", "error", err)
		os.Exit(1)
	}
	log.Info("auth service stopped")
}
