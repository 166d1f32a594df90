package rules

import "fmt"

// Action is the outcome of evaluating a recipient.
type Action int

const (
	// ActionAllow passes the recipient through unchanged.
	ActionAllow Action = iota
	// ActionReject refuses the recipient.
	ActionReject
	// ActionRedirect replaces the recipient with Verdict.Target.
	ActionRedirect
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionReject:
		return "reject"
	case ActionRedirect:
		return "redirect"
	}
	return "unknown"
}

// Verdict is the decision for one recipient address.
type Verdict struct {
	Action Action
	Target string // Set for ActionRedirect.
}

// Allow returns the pass-through verdict.
func Allow() Verdict { return Verdict{Action: ActionAllow} }

// Reject returns the rejection verdict.
func Reject() Verdict { return Verdict{Action: ActionReject} }

// RedirectTo returns a verdict rewriting the recipient to target.
func RedirectTo(target string) Verdict { return Verdict{Action: ActionRedirect, Target: target} }

func (v Verdict) String() string {
	if v.Action == ActionRedirect {
		return fmt.Sprintf("redirect(%s)", v.Target)
	}
	return v.Action.String()
}
