// Package redis provides an address book backed by a Redis set.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/inbucket/rcptfilter/pkg/addressbook"
	"github.com/inbucket/rcptfilter/pkg/config"
	goredis "github.com/redis/go-redis/v9"
)

// Book checks membership of lowercased addresses in a Redis set.
type Book struct {
	client  goredis.UniversalClient
	key     string
	timeout time.Duration
}

var _ addressbook.Book = &Book{}

// New connects to the configured Redis server.
func New(c config.AddressBook) (addressbook.Book, error) {
	client := goredis.NewClient(&goredis.Options{Addr: c.RedisAddr})
	return NewWithClient(client, c.RedisKey, c.Timeout), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, key string, timeout time.Duration) *Book {
	return &Book{client: client, key: key, timeout: timeout}
}

// Lookup reports whether address is a member of the set.
func (b *Book) Lookup(ctx context.Context, address string) (bool, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	found, err := b.client.SIsMember(ctx, b.key, strings.ToLower(address)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis: %v", addressbook.ErrUnavailable, err)
	}
	return found, nil
}
