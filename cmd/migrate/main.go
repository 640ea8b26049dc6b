// migrate runs DB migrations from embedded SQL; use with ./scripts/migrate.sh
// or go run ./cmd/migrate -service <auth|sessions|profiles>.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"identity-plane/backend/internal/config"
	"identity-plane/backend/internal/db/migrate"
)

func main() {
	service := flag.String("service", "auth", "Service whose migrations to run: auth, sessions, or profiles")
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var dsn string
	switch *service {
	case "auth":
		dsn = cfg.DatabaseURL
	case "sessions":
		dsn = cfg.SessionsDatabaseURL
	case "profiles":
		dsn = cfg.ProfilesDatabaseURL
	}

	if err := migrate.Run(dsn, *service, *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			// Already at target version; success.
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
