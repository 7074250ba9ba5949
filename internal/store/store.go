package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"booking-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db        *sqlx.DB
	isolation sql.IsolationLevel
}

// NewStore creates a new database store
func NewStore(databaseURL, isolation string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db, isolation), nil
}

// New wraps an existing connection pool
func New(db *sqlx.DB, isolation string) *Store {
	return &Store{db: db, isolation: ParseIsolation(isolation)}
}

// ParseIsolation maps a config value to a level. Unknown values fall back
// to serializable.
func ParseIsolation(level string) sql.IsolationLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "read_committed", "read-committed":
		return sql.LevelReadCommitted
	case "repeatable_read", "repeatable-read":
		return sql.LevelRepeatableRead
	default:
		return sql.LevelSerializable
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn inside one transaction at the store's isolation level.
// Any error from fn, or a panic, rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetServiceForBookingTx reads a catalog service and its provider name,
// holding a share lock so the price cannot change before commit.
func (s *Store) GetServiceForBookingTx(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Service, error) {
	var svc models.Service
	err := tx.GetContext(ctx, &svc, `
		SELECT s.id, s.provider_id, COALESCE(u.name, '') AS provider_name,
		       s.name, s.category, s.price, s.status
		FROM services s
		LEFT JOIN users u ON u.id = s.provider_id
		WHERE s.id = $1
		FOR SHARE OF s`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service %d: %w", id, err)
	}
	return &svc, nil
}

// GetPackageForBookingTx reads a package under a share lock
func (s *Store) GetPackageForBookingTx(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Package, error) {
	var pkg models.Package
	err := tx.GetContext(ctx, &pkg, `
		SELECT id, provider_id, name, price, includes, status
		FROM packages
		WHERE id = $1
		FOR SHARE`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package %d: %w", id, err)
	}
	return &pkg, nil
}

// GetPackageByID reads a package without locking it
func (s *Store) GetPackageByID(ctx context.Context, id int64) (*models.Package, error) {
	var pkg models.Package
	err := s.db.GetContext(ctx, &pkg,
		"SELECT id, provider_id, name, price, includes, status FROM packages WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package %d: %w", id, err)
	}
	return &pkg, nil
}
