package web

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/inbucket/rcptfilter/pkg/filter"
	"github.com/inbucket/rcptfilter/pkg/rules"
)

// Services are the filter components exposed over HTTP.
type Services struct {
	Rules  *rules.Store
	Filter *filter.Service
	// Reload reloads the definition synchronously, with the semantics of rules.Store.TryReload.
	Reload func() (bool, error)
}

// Context is passed into every request handler function.
type Context struct {
	Vars   map[string]string
	Rules  *rules.Store
	Filter *filter.Service
	Reload func() (bool, error)
	IsJSON bool
}

// Close the Context (currently does nothing)
func (c *Context) Close() {
	// Do nothing
}

// headerMatch returns true if the request header specified by name contains
// the specified value.  Case is ignored.
func headerMatch(req *http.Request, name string, value string) bool {
	name = http.CanonicalHeaderKey(name)
	value = strings.ToLower(value)

	if header := req.Header[name]; header != nil {
		for _, hv := range header {
			if value == strings.ToLower(hv) {
				return true
			}
		}
	}

	return false
}

// NewContext returns a Context for the given HTTP Request
func NewContext(req *http.Request) (*Context, error) {
	vars := mux.Vars(req)
	ctx := &Context{
		Vars:   vars,
		IsJSON: headerMatch(req, "Accept", "application/json"),
	}
	if services != nil {
		ctx.Rules = services.Rules
		ctx.Filter = services.Filter
		ctx.Reload = services.Reload
	}
	return ctx, nil
}
