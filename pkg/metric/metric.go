// Package metric declares the Prometheus collectors shared across rcptfilter packages.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reload results.
const (
	ReloadSuccess = "success"
	ReloadFailure = "failure"
	ReloadSkipped = "skipped"
)

var (
	// ReloadsTotal counts reload attempts by result.
	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcptfilter_reloads_total",
			Help: "Rule reload attempts by result",
		},
		[]string{"result"},
	)

	// ReloadDuration observes the time spent reading and parsing definitions.
	ReloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rcptfilter_reload_duration_seconds",
			Help:    "Time spent reading and parsing rule definitions",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RulesetRedirects reports the number of redirect rules in the active ruleset.
	RulesetRedirects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rcptfilter_ruleset_redirects",
			Help: "Redirect rules in the active ruleset",
		},
	)

	// RulesetBanned reports the number of banned addresses in the active ruleset.
	RulesetBanned = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rcptfilter_ruleset_banned",
			Help: "Banned addresses in the active ruleset",
		},
	)

	// VerdictsTotal counts recipient decisions by action.
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcptfilter_verdicts_total",
			Help: "Recipient decisions by action",
		},
		[]string{"action"},
	)

	// DecideErrorsTotal counts rules skipped or lookups failed during evaluation.
	DecideErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rcptfilter_decide_errors_total",
			Help: "Recipient evaluations that skipped a rule or failed an address book lookup",
		},
	)

	// SMTPConnectsTotal counts accepted SMTP connections.
	SMTPConnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rcptfilter_smtp_connects_total",
			Help: "SMTP connections accepted",
		},
	)

	// SMTPConnectsCurrent reports open SMTP connections.
	SMTPConnectsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rcptfilter_smtp_connects_current",
			Help: "SMTP connections currently open",
		},
	)

	// SMTPLogEventsTotal counts SMTP session warnings and errors.
	SMTPLogEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcptfilter_smtp_log_events_total",
			Help: "SMTP session log events by level",
		},
		[]string{"level"},
	)

	// RelayTotal counts upstream deliveries by result.
	RelayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcptfilter_relay_total",
			Help: "Upstream message deliveries by result",
		},
		[]string{"result"},
	)
)
