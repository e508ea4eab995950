// Package web embeds the barcode scanner page and serves it from the relay.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// SPAHandler serves the embedded scanner. Unknown paths get index.html so
// client-side routes survive a reload, except under /api/ where a missing
// route must stay a JSON 404 rather than turn into HTML.
func SPAHandler() http.Handler {
	site, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: embedded dist directory missing: " + err.Error())
	}
	files := http.FileServer(http.FS(site))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}

		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" || !exists(site, name) {
			// The page must be revalidated so a redeploy reaches open tabs.
			w.Header().Set("Cache-Control", "no-cache")
			r.URL.Path = "/"
		}
		files.ServeHTTP(w, r)
	})
}

func exists(site fs.FS, name string) bool {
	f, err := site.Open(name)
	if err != nil {
		return false
	}
	if err := f.Close(); err != nil {
		slog.Debug("web: failed to close embedded file", "path", name, "error", err)
	}
	return true
}
