package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/inbucket/rcptfilter/pkg/rest/client"
	"github.com/inbucket/rcptfilter/pkg/rest/model"
)

type rulesCmd struct {
	output string
	target regexFlag
}

func (*rulesCmd) Name() string {
	return "rules"
}

func (*rulesCmd) Synopsis() string {
	return "list the active ruleset"
}

func (*rulesCmd) Usage() string {
	return `rules [flags]:
	list the redirect rules and banned addresses currently in effect
`
}

func (r *rulesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.output, "output", "text", "output format: text or json")
	f.Var(&r.target, "target", "only list redirects whose target matches this regexp")
}

func (r *rulesCmd) Execute(
	ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	c, err := client.New(baseURL())
	if err != nil {
		return fatal("Couldn't build client", err)
	}
	rs, err := c.GetRuleset(ctx)
	if err != nil {
		return fatal("REST call failed", err)
	}
	if r.target.Defined() {
		matched := rs.Redirects[:0]
		for _, rd := range rs.Redirects {
			if r.target.MatchString(rd.Target) {
				matched = append(matched, rd)
			}
		}
		rs.Redirects = matched
	}

	switch r.output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rs); err != nil {
			return fatal("Error", err)
		}
	case "text":
		printRuleset(rs)
	default:
		return usage("unknown output type: " + r.output)
	}

	return subcommands.ExitSuccess
}

func printRuleset(rs *model.JSONRulesetV1) {
	fmt.Printf("Source: %s (loaded %s)\n", rs.Source, rs.Loaded.Format("2006-01-02 15:04:05 -0700"))
	fmt.Println("Redirects:")
	for _, rd := range rs.Redirects {
		if rd.Error != "" {
			fmt.Printf("  %-30s => %s  [invalid: %s]\n", rd.Pattern, rd.Target, rd.Error)
			continue
		}
		fmt.Printf("  %-30s => %s\n", rd.Pattern, rd.Target)
	}
	fmt.Println("Banned:")
	for _, b := range rs.Banned {
		fmt.Printf("  %s\n", b)
	}
}
