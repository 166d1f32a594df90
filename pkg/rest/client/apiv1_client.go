// Package client provides a basic REST client for rcptfilter
package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/inbucket/rcptfilter/pkg/rest/model"
)

// ErrReloadInProgress is returned by Reload when the server is already reloading.
var ErrReloadInProgress = errors.New("reload already in progress")

// ReloadError reports a rule definition the server refused to load.  The previous ruleset
// remains active.
type ReloadError struct {
	Result *model.JSONReloadV1
}

func (e *ReloadError) Error() string {
	return "reload failed: " + e.Result.Error
}

// Client accesses the rcptfilter REST API v1
type Client struct {
	restClient
}

// New creates a new v1 REST API client given the base URL of an rcptfilter server, ex:
// "http://localhost:9025"
func New(baseURL string, opts ...func(*ClientOptions)) (*Client, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	options := getDefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	c := &Client{
		restClient{
			client: &http.Client{
				Timeout:   options.timeout,
				Transport: options.transport,
			},
			baseURL: parsedURL,
		},
	}
	return c, nil
}

// GetRuleset returns the ruleset currently active on the server.
func (c *Client) GetRuleset(ctx context.Context) (ruleset *model.JSONRulesetV1, err error) {
	err = c.doJSON(ctx, "GET", "/api/v1/ruleset", &ruleset)
	if err != nil {
		return nil, err
	}
	return
}

// Reload asks the server to reload its rule definition, returning a *ReloadError when the
// definition was rejected.
func (c *Client) Reload(ctx context.Context) (*model.JSONReloadV1, error) {
	result := &model.JSONReloadV1{}
	status, err := c.doJSONStatus(ctx, "POST", "/api/v1/reload", result,
		http.StatusConflict, http.StatusUnprocessableEntity)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusConflict:
		return result, ErrReloadInProgress
	case http.StatusUnprocessableEntity:
		return result, &ReloadError{Result: result}
	}
	return result, nil
}

// Verdict returns the decision the server would make for a recipient address.
func (c *Client) Verdict(ctx context.Context, address string) (verdict *model.JSONVerdictV1, err error) {
	uri := "/api/v1/verdict/" + url.PathEscape(address)
	err = c.doJSON(ctx, "GET", uri, &verdict)
	if err != nil {
		return nil, err
	}
	return
}
