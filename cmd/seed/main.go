// seed inserts development sample accounts for local testing. Run via
// ./scripts/seed.sh. Idempotent: skips inserts if the dev admin
// (admin@example.com) already exists.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"identity-plane/backend/internal/account/domain"
	"identity-plane/backend/internal/account/repository"
	"identity-plane/backend/internal/config"
	"identity-plane/backend/internal/db"
	"identity-plane/backend/internal/security"
)

const (
	adminEmail  = "admin@example.com"
	devEmail    = "dev@example.com"
	devPassword = "Password123!dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	accounts := repository.NewPostgresRepository(pool)

	existing, err := accounts.GetByEmail(ctx, adminEmail)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing != nil {
		log.Println("Seed already applied (admin@example.com exists). Skipping.")
		os.Exit(0)
	}

	hasher := security.NewHasher(cfg.BcryptCost)
	passwordHash, err := hasher.Hash([]byte(devPassword))
	if err != nil {
		log.Fatalf("hash: %v", err)
	}

	now := time.Now().UTC()
	seedAccounts := []*domain.Account{
		{
			ID:            uuid.New().String(),
			Username:      "admin",
			Email:         adminEmail,
			PasswordHash:  passwordHash,
			Role:          domain.RoleAdmin,
			EmailVerified: true,
			Enabled:       true,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		{
			ID:            uuid.New().String(),
			Username:      "dev",
			Email:         devEmail,
			PasswordHash:  passwordHash,
			Role:          domain.RoleUser,
			EmailVerified: true,
			Enabled:       true,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
	for _, a := range seedAccounts {
		if err := accounts.Create(ctx, a); err != nil {
			log.Fatalf("seed %s: %v", a.Username, err)
		}
		log.Printf("Seeded account %s (%s)", a.Username, a.Email)
	}
	log.Printf("Seed complete. Both accounts use password %q.", devPassword)
}
