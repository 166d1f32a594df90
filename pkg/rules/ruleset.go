// Package rules implements the recipient rule engine: an immutable Ruleset of ordered
// catch-all redirects and banned addresses, the Loader that builds one from a definition,
// the Store that publishes it to concurrent readers, and Decide which evaluates an
// address against it.
package rules

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Redirect routes addresses matching Pattern to Target.
type Redirect struct {
	Pattern string
	Target  string // Configured case is preserved.

	re    *regexp.Regexp
	reErr error
}

func newRedirect(pattern, target string) *Redirect {
	r := &Redirect{Pattern: pattern, Target: target}
	r.re, r.reErr = regexp.Compile(pattern)
	return r
}

// Match reports whether the lowercased address matches the pattern.  A pattern that
// failed to compile yields a *MatchError.
func (r *Redirect) Match(address string) (bool, error) {
	if r.reErr != nil {
		return false, &MatchError{Pattern: r.Pattern, Err: r.reErr}
	}
	return r.re.MatchString(address), nil
}

// Err returns the error from compiling Pattern, or nil.
func (r *Redirect) Err() error {
	return r.reErr
}

// Ruleset is an immutable snapshot of redirect rules and banned addresses.  It must not be
// modified after the Loader returns it; readers share it without locking.
type Ruleset struct {
	redirects []*Redirect
	banned    map[string]struct{}

	// Source names the definition this Ruleset was loaded from.
	Source string
	// Loaded is the time the Ruleset was built.
	Loaded time.Time
}

// Empty returns a Ruleset with no redirects and no bans.
func Empty() *Ruleset {
	return &Ruleset{banned: make(map[string]struct{})}
}

// IsBanned reports whether address is in the ban set, ignoring case.
func (rs *Ruleset) IsBanned(address string) bool {
	_, ok := rs.banned[strings.ToLower(address)]
	return ok
}

// Redirects returns a copy of the redirect rules in evaluation order.
func (rs *Ruleset) Redirects() []Redirect {
	out := make([]Redirect, len(rs.redirects))
	for i, r := range rs.redirects {
		out[i] = *r
	}
	return out
}

// Banned returns the banned addresses, sorted.
func (rs *Ruleset) Banned() []string {
	out := make([]string, 0, len(rs.banned))
	for addr := range rs.banned {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// NumRedirects returns the number of redirect rules.
func (rs *Ruleset) NumRedirects() int {
	return len(rs.redirects)
}

// NumBanned returns the size of the ban set.
func (rs *Ruleset) NumBanned() int {
	return len(rs.banned)
}
