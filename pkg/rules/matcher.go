package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/inbucket/rcptfilter/pkg/addressbook"
)

// Decide evaluates address against rs.
//
// Banned addresses are rejected before any redirect is considered.  Otherwise the first
// redirect whose pattern matches, and whose address the book does not already know,
// determines the target.  A nil book knows nobody.  The returned error collects rules that
// could not be evaluated and failed lookups; it never invalidates the verdict.
func Decide(ctx context.Context, rs *Ruleset, address string, book addressbook.Book) (Verdict, error) {
	addr := strings.ToLower(address)
	if rs.IsBanned(addr) {
		return Reject(), nil
	}
	if book == nil {
		book = addressbook.Unavailable{}
	}

	var errs []error
	for _, r := range rs.redirects {
		matched, err := r.Match(addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !matched {
			continue
		}
		known, err := book.Lookup(ctx, addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("lookup %s: %w", addr, err))
			known = false
		}
		if known {
			// Real mailbox, this catch-all does not apply.
			continue
		}
		return RedirectTo(r.Target), errors.Join(errs...)
	}
	return Allow(), errors.Join(errs...)
}
