package db

import "embed"

// MigrationFS embeds SQL migration files from internal/db/migrations.
// Each service datastore has its own subdirectory (auth, sessions, profiles);
// the migrate runner (cmd/migrate) selects one by service name.
//
//go:embed migrations/auth/*.sql migrations/sessions/*.sql migrations/profiles/*.sql
var MigrationFS embed.FS
