// Package web serves the demo dashboard: chat, cat feeder, vehicle
// telemetry and helmet controls on one page.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var staticFiles embed.FS

// Handler returns an http.Handler that serves the dashboard files.
func Handler() http.Handler {
	// Strip the "static" prefix from embedded files
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}

	// A directory request serves its index.html.
	return http.FileServer(http.FS(subFS))
}

// RegisterRoutes serves the dashboard at / and its assets under /static/.
func RegisterRoutes(mux *http.ServeMux) {
	handler := Handler()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = "/"
		handler.ServeHTTP(w, r)
	})

	mux.Handle("GET /static/", http.StripPrefix("/static", handler))
}
