// Package file provides an address book read once from a plain text file.
package file

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/inbucket/rcptfilter/pkg/addressbook"
	"github.com/inbucket/rcptfilter/pkg/config"
	"github.com/rs/zerolog/log"
)

// Book holds a fixed set of known addresses.
type Book struct {
	known map[string]struct{}
}

var _ addressbook.Book = &Book{}

// New loads the file named by the configuration.
func New(c config.AddressBook) (addressbook.Book, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("file address book requires a path")
	}
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := NewFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", c.Path, err)
	}
	log.Info().Str("module", "addressbook").Str("path", c.Path).Int("addresses", len(b.known)).
		Msg("Loaded known recipients")
	return b, nil
}

// NewFromReader reads one address per line.  Blank lines and lines starting with # are
// ignored, addresses are compared case-insensitively.
func NewFromReader(r io.Reader) (*Book, error) {
	b := &Book{known: make(map[string]struct{})}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		b.known[strings.ToLower(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

// Lookup reports whether address is listed.
func (b *Book) Lookup(_ context.Context, address string) (bool, error) {
	_, ok := b.known[strings.ToLower(address)]
	return ok, nil
}
