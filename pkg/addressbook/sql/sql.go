// Package sql provides an address book backed by a database/sql query.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inbucket/rcptfilter/pkg/addressbook"
	"github.com/inbucket/rcptfilter/pkg/config"
	_ "github.com/lib/pq" // postgres driver
)

// Book runs a single-parameter query, any returned row means the address is known.
type Book struct {
	db      *sql.DB
	query   string
	timeout time.Duration
}

var _ addressbook.Book = &Book{}

// New opens the configured database.  The connection is established lazily by database/sql.
func New(c config.AddressBook) (addressbook.Book, error) {
	if c.SQLDSN == "" {
		return nil, errors.New("sql address book requires a DSN")
	}
	db, err := sql.Open(c.SQLDriver, c.SQLDSN)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db, c.SQLQuery, c.Timeout), nil
}

// NewWithDB wraps an open database handle.
func NewWithDB(db *sql.DB, query string, timeout time.Duration) *Book {
	return &Book{db: db, query: query, timeout: timeout}
}

// Lookup runs the query with the lowercased address as its only argument.
func (b *Book) Lookup(ctx context.Context, address string) (bool, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	var discard any
	err := b.db.QueryRowContext(ctx, b.query, strings.ToLower(address)).Scan(&discard)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	}
	return false, fmt.Errorf("%w: sql: %v", addressbook.ErrUnavailable, err)
}
