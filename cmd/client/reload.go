package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/inbucket/rcptfilter/pkg/rest/client"
)

type reloadCmd struct{}

func (*reloadCmd) Name() string {
	return "reload"
}

func (*reloadCmd) Synopsis() string {
	return "reload the rule definition"
}

func (*reloadCmd) Usage() string {
	return `reload:
	ask the server to re-read its rule definition; the previous ruleset
	stays active if the new definition is rejected
`
}

func (*reloadCmd) SetFlags(f *flag.FlagSet) {}

func (*reloadCmd) Execute(
	ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	c, err := client.New(baseURL())
	if err != nil {
		return fatal("Couldn't build client", err)
	}
	result, err := c.Reload(ctx)
	if err != nil {
		var rerr *client.ReloadError
		if errors.As(err, &rerr) {
			return fatal("Definition rejected", errors.New(rerr.Result.Error))
		}
		return fatal("Reload failed", err)
	}
	fmt.Printf("Loaded %s: %d redirects, %d banned\n", result.Source, result.Redirects, result.Banned)

	return subcommands.ExitSuccess
}
