package extension

import (
	"github.com/inbucket/rcptfilter/pkg/extension/event"
)

// Host defines the extension points of the filter daemon.
type Host struct {
	Events *Events
}

// Events defines all the event types supported by the extension host.
//
// Before-events let listeners decide how the server responds.  They are processed
// synchronously in the SMTP session; the first listener to return a non-nil value
// determines the response, and the remaining listeners are not called.
//
// After-events let listeners act once something has happened.  They are processed
// asynchronously with respect to the caller.
type Events struct {
	AfterRulesetLoaded   AsyncEventBroker[event.RulesetLoaded]
	BeforeRcptToAccepted EventBroker[event.Recipient, event.RcptResponse]
}

// NewHost creates a new extension host.
func NewHost() *Host {
	return &Host{Events: &Events{}}
}
