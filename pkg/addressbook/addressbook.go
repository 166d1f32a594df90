// Package addressbook answers whether an address already belongs to a known recipient.
// Catch-all redirects only apply to addresses the address book does not know.
package addressbook

import (
	"context"
	"errors"
	"fmt"

	"github.com/inbucket/rcptfilter/pkg/config"
)

// ErrUnavailable indicates the address book could not be consulted.
var ErrUnavailable = errors.New("address book unavailable")

// Book looks up known recipients.  A non-nil error means the answer is unknown, callers
// treat that the same as not found.
type Book interface {
	Lookup(ctx context.Context, address string) (found bool, err error)
}

// Func adapts an ordinary function to the Book interface.
type Func func(ctx context.Context, address string) (bool, error)

// Lookup calls f.
func (f Func) Lookup(ctx context.Context, address string) (bool, error) {
	return f(ctx, address)
}

// Unavailable is the Book used when none is configured; it knows nobody.
type Unavailable struct{}

// Lookup always reports not found.
func (Unavailable) Lookup(context.Context, string) (bool, error) {
	return false, nil
}

// Constructor creates a Book from configuration.
type Constructor func(config.AddressBook) (Book, error)

// Constructors maps address book kinds to their constructors, populated by main.
var Constructors = map[string]Constructor{
	"none": func(config.AddressBook) (Book, error) { return Unavailable{}, nil },
}

// FromConfig creates a Book based on the configured kind.
func FromConfig(c config.AddressBook) (Book, error) {
	kind := c.Kind
	if kind == "" {
		kind = "none"
	}
	if fn, ok := Constructors[kind]; ok {
		return fn(c)
	}
	return nil, fmt.Errorf("address book kind %q not registered", kind)
}
