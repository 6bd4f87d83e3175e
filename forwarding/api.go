package forwarding

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"runtime"
	"strings"

	"github.com/powerpuffpenguin/muxf/version"
)

type apiHandler struct {
	Path    string
	Usage   string
	Handler http.HandlerFunc
}

func (a *Application) apiHandlers() []apiHandler {
	return []apiHandler{
		{
			Path:    `/`,
			Handler: a.apiRoot,
		},
		{
			Path:    `/forward`,
			Usage:   `forward sessions, their rules and counters`,
			Handler: a.apiForward,
		},
		{
			Path:    `/runtime`,
			Usage:   `version, goroutines and buffer pool`,
			Handler: a.apiRuntime,
		},
	}
}
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set(`Content-Type`, `application/json; charset=utf-8`)
	jw := json.NewEncoder(w)
	if beauty := r.URL.Query().Get(`beauty`); beauty == `1` || beauty == `true` {
		jw.SetIndent("", "\t")
	}
	jw.Encode(v)
}
func (a *Application) apiForward(w http.ResponseWriter, r *http.Request) {
	items := make([]any, 0, len(a.forwarders))
	for _, item := range a.forwarders {
		items = append(items, item.Info())
	}
	writeJSON(w, r, items)
}
func (a *Application) apiRuntime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string]any{
		`platform`: fmt.Sprintf(`%s/%s, %s, %s, %s`,
			runtime.GOOS, runtime.GOARCH,
			runtime.Version(),
			version.Date, version.Commit,
		),
		`version`:   version.Version,
		`goroutine`: runtime.NumGoroutine(),
		`cgo`:       runtime.NumCgoCall(),
		`pool`:      a.pool.Info(),
	})
}

func (a *Application) apiRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != `/` {
		http.NotFound(w, r)
		return
	}
	var links strings.Builder
	for _, api := range a.apiHandlers() {
		if api.Path == `/` {
			continue
		}
		name := strings.TrimPrefix(api.Path, `/`)
		fmt.Fprintf(&links, "\t<li><a href=\"%s?beauty=1\">%s</a> %s</li>\n",
			name, name, html.EscapeString(api.Usage),
		)
	}
	w.Header().Set(`Content-Type`, `text/html; charset=utf-8`)
	fmt.Fprintf(w, `<!doctype html>
<html lang="en">
<head>
	<meta charset="utf-8">
	<title>muxf %s</title>
	<meta name="viewport" content="width=device-width, initial-scale=1">
</head>
<body>
<h1>muxf</h1>
<p>
	Forwards each tcp connection and udp flow to the backend chosen from its
	first bytes.
</p>
<h2>API</h2>
<ul>
%s</ul>
</body></html>`, html.EscapeString(version.Version), links.String())
}
