// Package postgres implements the delivery store on PostgreSQL via lib/pq.
// The schema lives in migrations/001_delivery_engine.sql.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/delivery-engine/internal/service/delivery"
)

// Store implements delivery.Store against PostgreSQL.
type Store struct{ db *sql.DB }

var _ delivery.Store = (*Store)(nil)

// New creates a Postgres-backed store.
func New(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the pool for advisory locking.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// wrap adds op context to err and maps PostgreSQL internal errors (class
// XX: data_corrupted, index_corrupted) to delivery.ErrStoreCorrupted.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "XX" {
		return fmt.Errorf("%s: %w (%s: %s)", op, delivery.ErrStoreCorrupted, pqErr.Code, pqErr.Message)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeFrom(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// jsonText encodes v for a JSONB column. lib/pq sends []byte as bytea, so
// the value is passed as text.
func jsonText(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}
