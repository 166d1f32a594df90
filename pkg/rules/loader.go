package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Kind tags a definition entry.
type Kind string

const (
	// KindBan entries carry a banned Address.
	KindBan Kind = "ban"
	// KindRedirect entries carry a Pattern and a target Address.
	KindRedirect Kind = "redirect"
)

// Entry is one element of a rule definition, in document order.
type Entry struct {
	Kind    Kind
	Pattern string
	Address string
}

func (e Entry) String() string {
	if e.Kind == KindRedirect {
		return fmt.Sprintf("redirect pattern=%q address=%q", e.Pattern, e.Address)
	}
	return fmt.Sprintf("%s address=%q", e.Kind, e.Address)
}

// Validator reports whether an address is syntactically valid.
type Validator func(address string) bool

// Loader builds Rulesets from definition entries.
type Loader struct {
	// Validate checks every address in the definition, required.
	Validate Validator
	// StrictPatterns rejects definitions containing patterns that fail to compile, instead
	// of keeping the rule and skipping it at evaluation time.
	StrictPatterns bool

	logger zerolog.Logger
}

// NewLoader creates a Loader using the provided address validator.
func NewLoader(validate Validator, strict bool) *Loader {
	return &Loader{
		Validate:       validate,
		StrictPatterns: strict,
		logger:         log.With().Str("module", "rules").Logger(),
	}
}

// Parse validates entries in order and returns the resulting Ruleset.  The first invalid
// entry aborts the parse, returning a *LoadError and no Ruleset.
func (l *Loader) Parse(entries []Entry) (*Ruleset, error) {
	rs := Empty()
	position := make(map[string]int) // pattern -> index in rs.redirects

	for i, e := range entries {
		if err := l.check(e); err != nil {
			lerr := &LoadError{Index: i, Entry: e, Err: err}
			l.logger.Warn().Err(lerr).Msg("Rejected rule definition")
			return nil, lerr
		}

		switch e.Kind {
		case KindBan:
			rs.banned[strings.ToLower(e.Address)] = struct{}{}
			l.logger.Debug().Str("address", e.Address).Msg("Banned address")

		case KindRedirect:
			r := newRedirect(e.Pattern, e.Address)
			if r.reErr != nil {
				if l.StrictPatterns {
					lerr := &LoadError{Index: i, Entry: e,
						Err: fmt.Errorf("%w: %v", ErrInvalidPattern, r.reErr)}
					l.logger.Warn().Err(lerr).Msg("Rejected rule definition")
					return nil, lerr
				}
				l.logger.Warn().Str("pattern", e.Pattern).Err(r.reErr).
					Msg("Redirect pattern does not compile, rule will never match")
			}
			if pos, dup := position[e.Pattern]; dup {
				rs.redirects[pos] = r
			} else {
				position[e.Pattern] = len(rs.redirects)
				rs.redirects = append(rs.redirects, r)
			}
			l.logger.Debug().Str("pattern", e.Pattern).Str("address", e.Address).
				Msg("Redirect rule")
		}
	}

	rs.Loaded = time.Now()
	return rs, nil
}

// check validates a single entry.
func (l *Loader) check(e Entry) error {
	switch e.Kind {
	case KindBan:
		if !l.Validate(e.Address) {
			return ErrInvalidBanAddress
		}
	case KindRedirect:
		if e.Pattern == "" || e.Address == "" {
			return ErrIncompleteEntry
		}
		if !l.Validate(e.Address) {
			return ErrInvalidRedirectAddress
		}
	default:
		return ErrUnknownEntry
	}
	return nil
}
