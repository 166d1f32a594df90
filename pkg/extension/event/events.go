package event

import (
	"net/mail"
	"time"
)

// Actions a before-event listener may request.
const (
	// ActionDefer defers the decision to the next listener, or the server's default policy.
	ActionDefer = iota
	// ActionAllow accepts the recipient as given.
	ActionAllow
	// ActionDeny rejects the recipient with the response's error code and message.
	ActionDeny
	// ActionRewrite accepts the message for the response's Rewrite address instead.
	ActionRewrite
)

// Recipient describes an RCPT TO command awaiting a decision.
type Recipient struct {
	Address    mail.Address
	From       *mail.Address // Nil for the null reverse-path.
	RemoteAddr string
}

// RcptResponse is a listener's decision for a Recipient event.
type RcptResponse struct {
	Action       int
	ErrorCode    int
	EnhancedCode string
	ErrorMsg     string
	Rewrite      string
}

// RulesetLoaded summarizes a newly published ruleset.
type RulesetLoaded struct {
	Source    string
	Redirects int
	Banned    int
	Loaded    time.Time
}
