// Package httpmux routes the admin api by path, then by method.
package httpmux

import (
	"log/slog"
	"net/http"
	"time"
)

type ServeMux struct {
	log    *slog.Logger
	mux    *http.ServeMux
	routes map[string]*route
}

func New(log *slog.Logger) *ServeMux {
	return &ServeMux{
		log:    log,
		mux:    http.NewServeMux(),
		routes: make(map[string]*route),
	}
}

// ServeHTTP dispatches r and writes a debug access log line.
func (mux *ServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	mux.mux.ServeHTTP(sw, r)
	mux.log.Debug(`api`,
		`method`, r.Method,
		`path`, r.URL.Path,
		`status`, sw.status,
		`from`, r.RemoteAddr,
		`used`, time.Since(at),
	)
}

// Handle registers handler for method requests on pattern, replacing any
// handler already registered for the pair.
func (mux *ServeMux) Handle(method, pattern string, handler http.HandlerFunc) {
	found, ok := mux.routes[pattern]
	if !ok {
		found = &route{
			methods: make(map[string]http.HandlerFunc),
		}
		mux.routes[pattern] = found
		mux.mux.Handle(pattern, found)
	} else if _, exists := found.methods[method]; exists {
		mux.log.Warn(`router is replaced`,
			`method`, method,
			`pattern`, pattern,
		)
	}
	found.methods[method] = handler
	mux.log.Debug(`new router`,
		`method`, method,
		`pattern`, pattern,
	)
}

func (mux *ServeMux) Get(pattern string, handler http.HandlerFunc) {
	mux.Handle(http.MethodGet, pattern, handler)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
