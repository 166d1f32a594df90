package server

import (
	"expvar"
	"time"

	"github.com/inbucket/rcptfilter/pkg/extension/event"
	"github.com/inbucket/rcptfilter/pkg/metric"
)

var (
	expRulesetSource    = new(expvar.String)
	expRulesetRedirects = new(expvar.Int)
	expRulesetBanned    = new(expvar.Int)
	expRulesetLoaded    = new(expvar.String)
	expRulesetReloads   = new(expvar.Int)
)

func init() {
	rm := expvar.NewMap("ruleset")
	rm.Set("Source", expRulesetSource)
	rm.Set("Redirects", expRulesetRedirects)
	rm.Set("Banned", expRulesetBanned)
	rm.Set("Loaded", expRulesetLoaded)
	rm.Set("Reloads", expRulesetReloads)
}

// recordRuleset is the AfterRulesetLoaded listener that publishes ruleset statistics.
func recordRuleset(ev event.RulesetLoaded) {
	metric.RulesetRedirects.Set(float64(ev.Redirects))
	metric.RulesetBanned.Set(float64(ev.Banned))

	expRulesetSource.Set(ev.Source)
	expRulesetRedirects.Set(int64(ev.Redirects))
	expRulesetBanned.Set(int64(ev.Banned))
	expRulesetLoaded.Set(ev.Loaded.Format(time.RFC3339))
	expRulesetReloads.Add(1)
}
