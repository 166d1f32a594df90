// Package filter applies the active ruleset to SMTP recipients.
package filter

import (
	"context"

	"github.com/inbucket/rcptfilter/pkg/addressbook"
	"github.com/inbucket/rcptfilter/pkg/extension"
	"github.com/inbucket/rcptfilter/pkg/extension/event"
	"github.com/inbucket/rcptfilter/pkg/metric"
	"github.com/inbucket/rcptfilter/pkg/rules"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ListenerName identifies the filter on the extension host.
const ListenerName = "rcptfilter"

// Response sent to the client for a banned recipient.
const (
	RejectCode    = 500
	RejectMessage = "Recipient blocked"
)

// Service decides recipients against the Store's active ruleset.
type Service struct {
	store  *rules.Store
	book   addressbook.Book
	logger zerolog.Logger
}

// NewService creates a Service.  A nil book knows no addresses.
func NewService(store *rules.Store, book addressbook.Book) *Service {
	if book == nil {
		book = addressbook.Unavailable{}
	}
	return &Service{
		store:  store,
		book:   book,
		logger: log.With().Str("module", "filter").Logger(),
	}
}

// OnRecipient returns the verdict for address under the ruleset active at the time of the
// call.
func (s *Service) OnRecipient(ctx context.Context, address string) rules.Verdict {
	rs := s.store.Read()
	v, err := rules.Decide(ctx, rs, address, s.book)
	if err != nil {
		metric.DecideErrorsTotal.Inc()
		s.logger.Warn().Err(err).Str("address", address).Msg("Problems evaluating rules")
	}
	metric.VerdictsTotal.WithLabelValues(v.Action.String()).Inc()
	s.logger.Debug().Str("address", address).Stringer("verdict", v).Msg("Recipient decided")
	return v
}

// BeforeRcptTo is the BeforeRcptToAccepted listener.  Allowed recipients are deferred to the
// server's own policy.
func (s *Service) BeforeRcptTo(r event.Recipient) *event.RcptResponse {
	v := s.OnRecipient(context.Background(), r.Address.Address)
	switch v.Action {
	case rules.ActionReject:
		return &event.RcptResponse{
			Action:    event.ActionDeny,
			ErrorCode: RejectCode,
			ErrorMsg:  RejectMessage,
		}
	case rules.ActionRedirect:
		return &event.RcptResponse{
			Action:  event.ActionRewrite,
			Rewrite: v.Target,
		}
	}
	return nil
}

// Register attaches the Service to host.
func (s *Service) Register(host *extension.Host) {
	host.Events.BeforeRcptToAccepted.AddListener(ListenerName, s.BeforeRcptTo)
}
