package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"
)

// Service represents a service that interacts with a database.
type Service interface {
	// DB exposes the underlying handle for repos and transactions.
	DB() *sql.DB

	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health() map[string]string

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error
}

type service struct {
	db *sql.DB
}

// NewPostgres opens a connection pool from the GATEWAY_DB_* environment.
// No package-level handle is kept: the caller owns the lifecycle.
func NewPostgres() (Service, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		os.Getenv("GATEWAY_DB_USERNAME"),
		os.Getenv("GATEWAY_DB_PASSWORD"),
		os.Getenv("GATEWAY_DB_HOST"),
		os.Getenv("GATEWAY_DB_PORT"),
		os.Getenv("GATEWAY_DB_DATABASE"),
		os.Getenv("GATEWAY_DB_SCHEMA"),
	)
	return Open(connStr)
}

// Open connects with an explicit connection string, for tests that
// bring their own container.
func Open(connStr string) (Service, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &service{db: db}, nil
}

func (s *service) DB() *sql.DB { return s.db }

const schema = `
CREATE TABLE IF NOT EXISTS donations (
	id         TEXT PRIMARY KEY,
	amount     BIGINT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'NEW',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	external_id  TEXT PRIMARY KEY,
	donation_id  TEXT NOT NULL REFERENCES donations (id),
	amount       BIGINT NOT NULL,
	state        INT NOT NULL,
	create_time  TIMESTAMPTZ NOT NULL,
	perform_time TIMESTAMPTZ,
	cancel_time  TIMESTAMPTZ,
	reason       INT
);

CREATE INDEX IF NOT EXISTS transactions_create_time_idx ON transactions (create_time);
`

// Migrate applies the schema. Safe to run repeatedly.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Health checks the health of the database connection by pinging the database.
// It returns a map with keys indicating various health statistics.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.db.PingContext(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	dbStats := s.db.Stats()
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	stats["wait_duration"] = dbStats.WaitDuration.String()

	if dbStats.WaitCount > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}

	return stats
}

// Close closes the database connection.
func (s *service) Close() error {
	return s.db.Close()
}
