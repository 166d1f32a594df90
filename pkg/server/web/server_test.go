package web

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/inbucket/rcptfilter/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) string {
	t.Helper()
	s := NewServer(config.Web{Addr: "127.0.0.1:0"}, &Services{})
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Start(ctx, func() { close(ready) })
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for HTTP listener")
	}
	return "http://" + s.Addr().String()
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestMetricsEndpoint(t *testing.T) {
	base := startServer(t)

	code, body := get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "rcptfilter_ruleset_redirects")

	code, body = get(t, base+"/debug/vars")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "memstats")

	code, body = get(t, base+"/no/such/path")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"error":"No route matches URI path"}`, body)
}

func TestHandlerReportsErrors(t *testing.T) {
	h := Handler(func(w http.ResponseWriter, req *http.Request, ctx *Context) error {
		assert.True(t, ctx.IsJSON)
		return io.ErrUnexpectedEOF
	})
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Accept", "Application/JSON")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"unexpected EOF"}`, w.Body.String())
}

func TestRequestLoggingRecordsStatus(t *testing.T) {
	var rec *statusRecorder
	inner := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec = w.(*statusRecorder)
		w.WriteHeader(http.StatusTeapot)
	})
	w := httptest.NewRecorder()
	requestLoggingWrapper(inner).ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	require.NotNil(t, rec)
	assert.Equal(t, http.StatusTeapot, rec.status)
}

func TestRenderJSONStatus(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, RenderJSONStatus(w, http.StatusConflict, map[string]bool{"ok": false}))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":false}`, w.Body.String())
}
