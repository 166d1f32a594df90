package rest

import (
	"errors"
	"net/http"

	"github.com/inbucket/rcptfilter/pkg/policy"
	"github.com/inbucket/rcptfilter/pkg/rest/model"
	"github.com/inbucket/rcptfilter/pkg/server/web"
)

var errNotConfigured = errors.New("service not configured")

// RulesetV1 renders the active ruleset.
func RulesetV1(w http.ResponseWriter, req *http.Request, ctx *web.Context) (err error) {
	if ctx.Rules == nil {
		return errNotConfigured
	}
	rs := ctx.Rules.Read()
	redirects := rs.Redirects()
	jredirects := make([]*model.JSONRedirectV1, len(redirects))
	for i, r := range redirects {
		jredirects[i] = &model.JSONRedirectV1{
			Pattern: r.Pattern,
			Target:  r.Target,
		}
		if err := r.Err(); err != nil {
			jredirects[i].Error = err.Error()
		}
	}
	return web.RenderJSON(w, &model.JSONRulesetV1{
		Source:    rs.Source,
		Loaded:    rs.Loaded,
		Redirects: jredirects,
		Banned:    rs.Banned(),
	})
}

// ReloadV1 reloads the rule definition.  A reload already in progress yields 409 Conflict, an
// invalid definition 422 Unprocessable Entity; the active ruleset is unchanged in both cases.
func ReloadV1(w http.ResponseWriter, req *http.Request, ctx *web.Context) (err error) {
	if ctx.Reload == nil || ctx.Rules == nil {
		return errNotConfigured
	}
	reloaded, rerr := ctx.Reload()
	rs := ctx.Rules.Read()
	result := &model.JSONReloadV1{
		Reloaded:  reloaded,
		Source:    rs.Source,
		Redirects: rs.NumRedirects(),
		Banned:    rs.NumBanned(),
	}
	status := http.StatusOK
	switch {
	case rerr != nil:
		result.Error = rerr.Error()
		status = http.StatusUnprocessableEntity
	case !reloaded:
		result.Error = "reload already in progress"
		status = http.StatusConflict
	}
	return web.RenderJSONStatus(w, status, result)
}

// VerdictV1 renders the decision the filter would make for an address.
func VerdictV1(w http.ResponseWriter, req *http.Request, ctx *web.Context) (err error) {
	if ctx.Filter == nil {
		return errNotConfigured
	}
	// Don't have to validate this isn't empty, Gorilla returns 404.
	address := ctx.Vars["address"]
	if !policy.ValidAddress(address) {
		return web.RenderError(w, http.StatusBadRequest, "invalid address")
	}
	v := ctx.Filter.OnRecipient(req.Context(), address)
	return web.RenderJSON(w, &model.JSONVerdictV1{
		Address: address,
		Action:  v.Action.String(),
		Target:  v.Target,
	})
}
