// Package web provides the plumbing for the filter's RESTful API and metrics endpoints.
package web

import (
	"context"
	"encoding/json"
	"expvar"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/inbucket/rcptfilter/pkg/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// services holds references to the filter components used by handlers.
	services *Services

	// Router is shared between the web and rest packages.  It sends incoming requests to the
	// correct handler function.
	Router = mux.NewRouter()

	routeOnce sync.Once
)

// Server defines an instance of the web server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	notify     chan error
}

// NewServer sets up things for unit tests or the Start() method.
func NewServer(conf config.Web, svc *Services) *Server {
	services = svc

	routeOnce.Do(func() {
		Router.Handle("/metrics", promhttp.Handler()).Methods("GET")
		Router.Handle("/debug/vars", expvar.Handler()).Methods("GET")
		Router.NotFoundHandler = noMatchHandler(http.StatusNotFound, "No route matches URI path")
		Router.MethodNotAllowedHandler = noMatchHandler(http.StatusMethodNotAllowed,
			"Method not allowed for URI path")
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         conf.Addr,
			Handler:      requestLoggingWrapper(Router),
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		notify: make(chan error, 1),
	}
}

// Start begins listening for HTTP requests.  readyFunc is called once the listener is open.
func (s *Server) Start(ctx context.Context, readyFunc func()) {
	slog := log.With().Str("module", "web").Str("phase", "startup").Logger()

	// We don't use ListenAndServe because it lacks a way to close the listener.
	var err error
	s.listener, err = net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		slog.Error().Err(err).Msg("HTTP failed to start TCP4 listener")
		s.notify <- err
		close(s.notify)
		return
	}
	slog.Info().Str("addr", s.listener.Addr().String()).Msg("HTTP listening on tcp4")
	if readyFunc != nil {
		readyFunc()
	}

	// Listener go routine.
	go s.serve(ctx)

	// Wait for shutdown.
	<-ctx.Done()
	log.Debug().Str("module", "web").Str("phase", "shutdown").Msg("HTTP server shutting down on request")

	// Closing the listener will cause the serve() go routine to exit.
	if err := s.listener.Close(); err != nil {
		log.Debug().Str("module", "web").Str("phase", "shutdown").Err(err).
			Msg("Failed to close HTTP listener")
	}
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// serve begins serving HTTP requests.
func (s *Server) serve(ctx context.Context) {
	// server.Serve blocks until we close the listener.
	err := s.httpServer.Serve(s.listener)

	select {
	case <-ctx.Done():
		// Nop
	default:
		log.Error().Str("module", "web").Str("phase", "startup").Err(err).
			Msg("HTTP server failed")
		s.notify <- err
		close(s.notify)
		return
	}
}

// Notify allows the running HTTP server to be monitored for a fatal error.
func (s *Server) Notify() <-chan error {
	return s.notify
}

// RenderJSON sets the correct HTTP headers for JSON, then writes the specified data (typically
// a struct) encoded in JSON.
func RenderJSON(w http.ResponseWriter, data interface{}) error {
	return RenderJSONStatus(w, http.StatusOK, data)
}

// RenderJSONStatus is RenderJSON with a response status code.
func RenderJSONStatus(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Expires", "-1")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	return enc.Encode(data)
}
