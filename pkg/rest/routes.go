package rest

import (
	"github.com/gorilla/mux"
	"github.com/inbucket/rcptfilter/pkg/server/web"
)

// SetupRoutes populates the routes for the REST interface
func SetupRoutes(r *mux.Router) {
	// API v1
	r.Path("/v1/ruleset").Handler(
		web.Handler(RulesetV1)).Name("RulesetV1").Methods("GET")
	r.Path("/v1/reload").Handler(
		web.Handler(ReloadV1)).Name("ReloadV1").Methods("POST")
	r.Path("/v1/verdict/{address}").Handler(
		web.Handler(VerdictV1)).Name("VerdictV1").Methods("GET")
}
