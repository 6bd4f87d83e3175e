package httpmux

import (
	"net/http"
	"sort"
	"strings"
)

// route holds the handlers of one pattern. HEAD falls back to GET.
type route struct {
	methods map[string]http.HandlerFunc
}

func (rt *route) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler, ok := rt.methods[r.Method]
	if !ok && r.Method == http.MethodHead {
		handler, ok = rt.methods[http.MethodGet]
	}
	if ok {
		handler(w, r)
		return
	}
	w.Header().Set(`Allow`, rt.allow())
	w.Header().Set(`Content-Type`, `text/plain; charset=utf-8`)
	w.WriteHeader(http.StatusMethodNotAllowed)
	w.Write([]byte("405 method not allowed\n"))
}

func (rt *route) allow() string {
	methods := make([]string, 0, len(rt.methods)+1)
	for method := range rt.methods {
		methods = append(methods, method)
	}
	if _, ok := rt.methods[http.MethodGet]; ok {
		if _, ok = rt.methods[http.MethodHead]; !ok {
			methods = append(methods, http.MethodHead)
		}
	}
	sort.Strings(methods)
	return strings.Join(methods, `, `)
}
