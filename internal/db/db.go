package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"realtime-service/internal/log"
)

// Connect opens the database and applies the push subscription migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// chats and users belong to other services; only push_subscriptions is owned here.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS push_subscriptions (
            id SERIAL PRIMARY KEY,
            user_id INT NOT NULL,
            kind VARCHAR(16) NOT NULL DEFAULT 'webpush',
            endpoint TEXT NOT NULL,
            p256dh TEXT NOT NULL DEFAULT '',
            auth TEXT NOT NULL DEFAULT '',
            active BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            last_used_at TIMESTAMPTZ,
            UNIQUE(user_id, endpoint)
        );`,
	`CREATE INDEX IF NOT EXISTS push_subscriptions_active_user_idx
            ON push_subscriptions (user_id) WHERE active;`,
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.L().Info().Int("count", len(migrations)).Msg("database migrations applied")
	return nil
}
