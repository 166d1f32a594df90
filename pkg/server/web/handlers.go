package web

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler is a function type that handles an HTTP request.
type Handler func(http.ResponseWriter, *http.Request, *Context) error

// ErrorResponse is the body of API error replies.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServeHTTP builds the context and passes onto the real handler.
func (h Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx, err := NewContext(req)
	if err != nil {
		log.Error().Str("module", "web").Err(err).Msg("HTTP failed to create context")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer ctx.Close()

	if err = h(w, req, ctx); err != nil {
		log.Error().Str("module", "web").Str("path", req.RequestURI).Err(err).
			Msg("Error handling request")
		if ctx.IsJSON {
			_ = RenderError(w, http.StatusInternalServerError, err.Error())
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// RenderError writes an ErrorResponse with the given status code.
func RenderError(w http.ResponseWriter, status int, message string) error {
	return RenderJSONStatus(w, status, &ErrorResponse{Error: message})
}

// noMatchHandler creates a handler to log requests that Gorilla mux is unable to route,
// replying with statusCode and message.
func noMatchHandler(statusCode int, message string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		log.Warn().Str("module", "web").Str("remote", req.RemoteAddr).
			Str("method", req.Method).Str("path", req.RequestURI).Msg(message)
		_ = RenderError(w, statusCode, message)
	})
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLoggingWrapper returns middleware that logs client requests once they complete.
func requestLoggingWrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		log.Debug().Str("module", "web").Str("remote", req.RemoteAddr).Str("proto", req.Proto).
			Str("method", req.Method).Str("path", req.RequestURI).Int("status", rec.status).
			Dur("elapsed", time.Since(start)).Msg("Request")
	})
}
