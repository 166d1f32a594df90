// Package server wires the rcptfilter components together.
package server

import (
	"context"
	"errors"

	"github.com/inbucket/rcptfilter/pkg/addressbook"
	"github.com/inbucket/rcptfilter/pkg/config"
	"github.com/inbucket/rcptfilter/pkg/definition"
	"github.com/inbucket/rcptfilter/pkg/extension"
	"github.com/inbucket/rcptfilter/pkg/extension/event"
	"github.com/inbucket/rcptfilter/pkg/extension/luahost"
	"github.com/inbucket/rcptfilter/pkg/filter"
	"github.com/inbucket/rcptfilter/pkg/policy"
	"github.com/inbucket/rcptfilter/pkg/relay"
	"github.com/inbucket/rcptfilter/pkg/rest"
	"github.com/inbucket/rcptfilter/pkg/rules"
	"github.com/inbucket/rcptfilter/pkg/server/smtp"
	"github.com/inbucket/rcptfilter/pkg/server/web"
	"github.com/rs/zerolog/log"
)

// StatsListenerName is the name of the AfterRulesetLoaded listener publishing ruleset stats.
const StatsListenerName = "stats"

// Services holds the configured services.
type Services struct {
	ExtHost    *extension.Host
	LuaHost    *luahost.Host
	Rules      *rules.Store
	Source     *definition.FileSource
	Watcher    *definition.Watcher
	Filter     *filter.Service
	SMTPServer *smtp.Server
	WebServer  *web.Server
}

// Prod wires up the production rcptfilter environment and performs the initial rule load.
// Nothing is listening until Start is called.
func Prod(conf *config.Root) (*Services, error) {
	book, err := addressbook.FromConfig(conf.AddressBook)
	if err != nil {
		return nil, err
	}
	extHost := extension.NewHost()
	extHost.Events.AfterRulesetLoaded.AddListener(StatsListenerName, recordRuleset)

	// Rules.
	store := rules.NewStore(rules.NewLoader(policy.ValidAddress, conf.Rules.StrictPatterns))
	store.OnPublish = func(rs *rules.Ruleset) {
		extHost.Events.AfterRulesetLoaded.Emit(&event.RulesetLoaded{
			Source:    rs.Source,
			Redirects: rs.NumRedirects(),
			Banned:    rs.NumBanned(),
			Loaded:    rs.Loaded,
		})
	}
	source := definition.NewFileSource(conf.Rules.Path, conf.Rules.Format)
	watcher := definition.NewWatcher(source, store, conf.Rules)

	// The filter registers first, so bans and redirects are decided before any script runs.
	filterSvc := filter.NewService(store, book)
	filterSvc.Register(extHost)
	luaHost, err := luahost.New(conf.Lua, extHost)
	if err != nil {
		return nil, err
	}

	if _, err := store.TryReload(source); err != nil {
		// The empty ruleset allows everything; a later reload may still succeed.
		log.Warn().Str("module", "server").Str("phase", "startup").Err(err).
			Msg("Initial rule load failed, starting with no rules")
	}

	// SMTP front end.
	deliverer := relay.New(conf.Relay, conf.SMTP.Domain)
	smtpServer := smtp.NewServer(conf.SMTP, extHost, deliverer)

	// Configure routes for HTTP server.
	webServer := web.NewServer(conf.Web, &web.Services{
		Rules:  store,
		Filter: filterSvc,
		Reload: func() (bool, error) { return store.TryReload(source) },
	})
	rest.SetupRoutes(web.Router.PathPrefix("/api/").Subrouter())

	return &Services{
		ExtHost:    extHost,
		LuaHost:    luaHost,
		Rules:      store,
		Source:     source,
		Watcher:    watcher,
		Filter:     filterSvc,
		SMTPServer: smtpServer,
		WebServer:  webServer,
	}, nil
}

// Start launches the watcher and network listeners.  readyFunc is called once both
// listeners are accepting connections.
func (s *Services) Start(ctx context.Context, readyFunc func()) {
	go s.Watcher.Start(ctx)

	ready := make(chan struct{}, 2)
	listenerReady := func() { ready <- struct{}{} }
	go s.WebServer.Start(ctx, listenerReady)
	go s.SMTPServer.Start(ctx, listenerReady)
	if readyFunc == nil {
		return
	}
	go func() {
		for i := 0; i < 2; i++ {
			select {
			case <-ready:
			case <-ctx.Done():
				return
			}
		}
		readyFunc()
	}()
}

// Notify merges the fatal error channels of the network listeners.
func (s *Services) Notify() <-chan error {
	c := make(chan error, 1)
	go func() {
		var err error
		select {
		case err = <-s.SMTPServer.Notify():
		case err = <-s.WebServer.Notify():
		}
		if err == nil {
			err = errors.New("listener stopped")
		}
		c <- err
	}()
	return c
}

// Drain blocks until SMTP sessions have finished and the watcher has stopped.  The context
// passed to Start must be canceled first.
func (s *Services) Drain() {
	s.SMTPServer.Drain()
	s.Watcher.Join()
}
