// Package luahost lets Lua scripts take part in recipient decisions and observe ruleset
// reloads through the extension host.
package luahost

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/inbucket/rcptfilter/pkg/config"
	"github.com/inbucket/rcptfilter/pkg/extension"
	"github.com/inbucket/rcptfilter/pkg/extension/event"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// ListenerName is the name Lua handlers are registered under in the extension host.
const ListenerName = "lua"

// Host of Lua extensions.
type Host struct {
	extHost    *extension.Host
	pool       *statePool
	logContext zerolog.Context
}

// New constructs a new Lua Host, pre-compiling the source.  Returns nil without error if no
// script is configured or the script file does not exist.
func New(conf config.Lua, extHost *extension.Host) (*Host, error) {
	scriptPath := conf.Path
	if scriptPath == "" {
		return nil, nil
	}

	logContext := log.With().Str("module", "lua")
	logger := logContext.Str("phase", "startup").Str("path", scriptPath).Logger()

	// Pre-load, parse, and compile script.
	if fi, err := os.Stat(scriptPath); err != nil {
		logger.Info().Msg("Script file not found")
		return nil, nil
	} else if fi.IsDir() {
		return nil, fmt.Errorf("lua script %v is a directory", scriptPath)
	}

	logger.Info().Msg("Loading script")
	file, err := os.Open(scriptPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return NewFromReader(logContext.Logger(), extHost, bufio.NewReader(file), scriptPath)
}

// NewFromReader constructs a new Lua Host, loading Lua source from the provided reader.
// The provided path is used in logging and error messages.  logger receives output from
// the Lua `logger` module.
func NewFromReader(
	logger zerolog.Logger,
	extHost *extension.Host,
	r io.Reader,
	path string,
) (*Host, error) {
	logContext := log.With().Str("module", "lua").Str("path", path)

	// Pre-parse, and compile script.
	chunk, err := parse.Parse(r, path)
	if err != nil {
		return nil, err
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, err
	}

	// Build the pool and confirm LState is retrievable.
	pool := newStatePool(logger, proto)
	h := &Host{extHost: extHost, pool: pool, logContext: logContext}
	ls, err := pool.getState()
	if err != nil {
		return nil, err
	}
	h.wireFunctions(ls)
	pool.putState(ls)

	return h, nil
}

// CreateChannel creates a channel and places it into the named global variable
// in newly created LStates.
func (h *Host) CreateChannel(name string) chan lua.LValue {
	return h.pool.createChannel(name)
}

// wireFunctions registers the handlers defined by the script with the extension host.
func (h *Host) wireFunctions(ls *lua.LState) {
	logger := h.logContext.Str("phase", "startup").Logger()
	rf, err := getRcptfilter(ls)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get rcptfilter userdata")
		return
	}

	events := h.extHost.Events
	if rf.After.RulesetLoaded != nil {
		events.AfterRulesetLoaded.AddListener(ListenerName, h.handleAfterRulesetLoaded)
		logger.Debug().Msg("Registered after.ruleset_loaded")
	}
	if rf.Before.RcptToAccepted != nil {
		events.BeforeRcptToAccepted.AddListener(ListenerName, h.handleBeforeRcptToAccepted)
		logger.Debug().Msg("Registered before.rcpt_to_accepted")
	}
}

func (h *Host) handleAfterRulesetLoaded(ev event.RulesetLoaded) {
	logger, ls, rf, ok := h.prepareFuncCall("after.ruleset_loaded")
	if !ok {
		return
	}
	defer h.pool.putState(ls)

	// Call lua function.
	logger.Debug().Msgf("Calling Lua function with %+v", ev)
	if err := ls.CallByParam(
		lua.P{Fn: rf.After.RulesetLoaded, NRet: 0, Protect: true},
		wrapRulesetLoaded(ls, &ev),
	); err != nil {
		logger.Error().Err(err).Msg("Failed to call Lua function")
	}
}

func (h *Host) handleBeforeRcptToAccepted(rcpt event.Recipient) *event.RcptResponse {
	logger, ls, rf, ok := h.prepareFuncCall("before.rcpt_to_accepted")
	if !ok {
		return nil
	}
	defer h.pool.putState(ls)

	// Call lua function.
	logger.Debug().Msgf("Calling Lua function with %+v", rcpt)
	if err := ls.CallByParam(
		lua.P{Fn: rf.Before.RcptToAccepted, NRet: 1, Protect: true},
		wrapRecipient(ls, &rcpt),
	); err != nil {
		logger.Error().Err(err).Msg("Failed to call Lua function")
		return nil
	}

	lval := ls.Get(1)
	ls.Pop(1)
	logger.Debug().Msgf("Lua function returned %q (%v)", lval, lval.Type().String())

	if lua.LVIsFalse(lval) {
		return nil
	}

	result, err := unwrapSMTPResponse(lval)
	if err != nil {
		logger.Error().Err(err).Msg("Bad response from Lua function")
		return nil
	}

	return result
}

// prepareFuncCall checks out a pooled LState and its rcptfilter userdata.  Callers must return
// the state to the pool when ok is true.
func (h *Host) prepareFuncCall(
	funcName string,
) (logger zerolog.Logger, ls *lua.LState, rf *Rcptfilter, ok bool) {
	logger = h.logContext.Str("event", funcName).Logger()

	ls, err := h.pool.getState()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get Lua state instance from pool")
		return logger, nil, nil, false
	}

	rf, err = getRcptfilter(ls)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get rcptfilter userdata")
		h.pool.putState(ls)
		return logger, nil, nil, false
	}

	return logger, ls, rf, true
}
