package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"enrollment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint is violated
	ErrDuplicate = errors.New("duplicate")
	// ErrEnrollmentActive is returned when a purchase would overwrite an active enrollment
	ErrEnrollmentActive = errors.New("enrollment already active")
	// ErrCouponExhausted is returned when a coupon increment would exceed max_uses
	ErrCouponExhausted = errors.New("coupon usage cap reached")
)

const uniqueViolation = "23505"

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
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

	return &Store{db: db}, nil
}

// New wraps an existing connection
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const courseColumns = `id, title, slug, price, currency, is_published, created_at`

// GetCourse retrieves a course by ID
func (s *Store) GetCourse(ctx context.Context, id int64) (*models.Course, error) {
	var course models.Course
	err := s.db.GetContext(ctx, &course,
		"SELECT "+courseColumns+" FROM courses WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("course %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// GetExchangeRate retrieves the rate converting base into quote
func (s *Store) GetExchangeRate(ctx context.Context, base, quote string) (*models.ExchangeRate, error) {
	var rate models.ExchangeRate
	err := s.db.GetContext(ctx, &rate,
		"SELECT base, quote, rate, updated_at FROM exchange_rates WHERE base = $1 AND quote = $2",
		base, quote)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rate %s/%s: %w", base, quote, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

// SetExchangeRate inserts or replaces a rate
func (s *Store) SetExchangeRate(ctx context.Context, rate *models.ExchangeRate) error {
	return s.db.GetContext(ctx, &rate.UpdatedAt, `
		INSERT INTO exchange_rates (base, quote, rate)
		VALUES ($1, $2, $3)
		ON CONFLICT (base, quote) DO UPDATE SET rate = EXCLUDED.rate, updated_at = NOW()
		RETURNING updated_at`,
		rate.Base, rate.Quote, rate.Rate)
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
