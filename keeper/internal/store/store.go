// Package store persists anchors per page in SQLite.
//
// A page is keyed by its normalised URL. Saving a page replaces its whole
// anchor list in one transaction, so concurrent writers resolve as
// last-write-wins. Not-found lookups return (nil, nil); every other failure
// wraps ErrUnavailable.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/anchorkeep/dbopen"
)

// ErrUnavailable is wrapped by every storage failure.
var ErrUnavailable = errors.New("store: unavailable")

// Store is the anchorkeep database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &Store{DB: db}, nil
}

// New wraps an already opened database and applies the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("%w: apply schema: %w", ErrUnavailable, err)
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func fail(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
