package rules

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/inbucket/rcptfilter/pkg/metric"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store holds the active Ruleset.  Read is lock-free; TryReload is the only way the active
// Ruleset changes, and at most one reload runs at a time.
type Store struct {
	// OnPublish, if set, is called after a new Ruleset becomes active.  Set before the first
	// reload.
	OnPublish func(*Ruleset)

	current   atomic.Pointer[Ruleset]
	reloading atomic.Bool
	loader    *Loader
	logger    zerolog.Logger
}

// NewStore creates a Store serving an empty Ruleset until the first successful reload.
func NewStore(loader *Loader) *Store {
	s := &Store{
		loader: loader,
		logger: log.With().Str("module", "rules").Logger(),
	}
	s.current.Store(Empty())
	return s
}

// Read returns the active Ruleset.  The result is never nil and must not be modified.
func (s *Store) Read() *Ruleset {
	return s.current.Load()
}

// TryReload reads and parses src, publishing the result if it is valid.  If another reload
// is already in progress it returns (false, nil) without reading src.  On any error the
// active Ruleset is left as it was.
func (s *Store) TryReload(src Source) (reloaded bool, err error) {
	if !s.reloading.CompareAndSwap(false, true) {
		s.logger.Info().Str("source", src.String()).Msg("Reload already in progress, skipping")
		metric.ReloadsTotal.WithLabelValues(metric.ReloadSkipped).Inc()
		return false, nil
	}
	defer s.reloading.Store(false)

	start := time.Now()
	logger := s.logger.With().Str("source", src.String()).Logger()
	logger.Info().Msg("Reloading rules")
	defer func() {
		metric.ReloadDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metric.ReloadsTotal.WithLabelValues(metric.ReloadFailure).Inc()
			logger.Error().Err(err).Msg("Reload failed, keeping active rules")
		}
	}()

	entries, err := src.Read()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	rs, err := s.loader.Parse(entries)
	if err != nil {
		return false, err
	}
	rs.Source = src.String()

	s.current.Store(rs)
	metric.ReloadsTotal.WithLabelValues(metric.ReloadSuccess).Inc()
	logger.Info().Int("redirects", rs.NumRedirects()).Int("banned", rs.NumBanned()).
		Dur("elapsed", time.Since(start)).Msg("Rules reloaded")
	if s.OnPublish != nil {
		s.OnPublish(rs)
	}
	return true, nil
}
