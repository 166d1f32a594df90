package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompleteEntry indicates a redirect entry without a pattern or target address.
	ErrIncompleteEntry = errors.New("incomplete entry")

	// ErrInvalidBanAddress indicates a ban entry with a syntactically invalid address.
	ErrInvalidBanAddress = errors.New("invalid banned address")

	// ErrInvalidRedirectAddress indicates a redirect entry with an invalid target address.
	ErrInvalidRedirectAddress = errors.New("invalid redirect address")

	// ErrInvalidPattern indicates a redirect pattern that is not a valid regular expression.
	ErrInvalidPattern = errors.New("invalid redirect pattern")

	// ErrUnknownEntry indicates an entry kind other than ban or redirect.
	ErrUnknownEntry = errors.New("unknown entry kind")

	// ErrSourceUnavailable indicates the definition could not be read or decoded.
	ErrSourceUnavailable = errors.New("definition source unavailable")
)

// LoadError describes the entry that caused a definition to be rejected.
type LoadError struct {
	Index int   // Position of the entry in the definition.
	Entry Entry // The offending entry.
	Err   error // One of the Err* sentinels, possibly wrapped.
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("entry %d (%v): %v", e.Index, e.Entry, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// MatchError reports a redirect rule that could not be evaluated.  The rule is skipped.
type MatchError struct {
	Pattern string
	Err     error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("%v %q: %v", ErrInvalidPattern, e.Pattern, e.Err)
}

func (e *MatchError) Unwrap() []error {
	return []error{ErrInvalidPattern, e.Err}
}
