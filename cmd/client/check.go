package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/inbucket/rcptfilter/pkg/rest/client"
)

type checkCmd struct {
	quiet bool
}

func (*checkCmd) Name() string {
	return "check"
}

func (*checkCmd) Synopsis() string {
	return "show the verdict for recipient addresses"
}

func (*checkCmd) Usage() string {
	return `check [flags] <address>...:
	show what the filter would do with each recipient address
	exit status will be 1 if any address is rejected, otherwise 0
`
}

func (c *checkCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.quiet, "quiet", false, "no output, exit status only")
}

func (c *checkCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		return usage("address required")
	}
	rc, err := client.New(baseURL())
	if err != nil {
		return fatal("Couldn't build client", err)
	}

	status := subcommands.ExitSuccess
	for _, addr := range f.Args() {
		v, err := rc.Verdict(ctx, addr)
		if err != nil {
			return fatal("REST call failed", err)
		}
		if v.Action == "reject" {
			status = subcommands.ExitFailure
		}
		if c.quiet {
			continue
		}
		if v.Target != "" {
			fmt.Printf("%s: %s %s\n", v.Address, v.Action, v.Target)
		} else {
			fmt.Printf("%s: %s\n", v.Address, v.Action)
		}
	}

	return status
}
