// Package model defines the JSON documents exchanged by the REST API and its client.
package model

import (
	"time"
)

// JSONRedirectV1 is one catch-all redirect rule.
type JSONRedirectV1 struct {
	Pattern string `json:"pattern"`
	Target  string `json:"target"`
	Error   string `json:"error,omitempty"` // Set when the pattern does not compile.
}

// JSONRulesetV1 describes the active ruleset.
type JSONRulesetV1 struct {
	Source    string            `json:"source"`
	Loaded    time.Time         `json:"loaded"`
	Redirects []*JSONRedirectV1 `json:"redirects"`
	Banned    []string          `json:"banned"`
}

// JSONReloadV1 is the result of a reload request.
type JSONReloadV1 struct {
	Reloaded  bool   `json:"reloaded"`
	Error     string `json:"error,omitempty"`
	Source    string `json:"source"`
	Redirects int    `json:"redirects"`
	Banned    int    `json:"banned"`
}

// JSONVerdictV1 is the decision for a single address.
type JSONVerdictV1 struct {
	Address string `json:"address"`
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
}
