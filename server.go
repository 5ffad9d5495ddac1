package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"offline-map-cache/config"
	"offline-map-cache/preload"
	"offline-map-cache/proxy"
	"offline-map-cache/weather"
)

func newServer(cfg *config.Config, controller *proxy.Controller, weatherHandler *weather.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/api/weather", weatherHandler)
	mux.Handle("/stats", controller.Stats())
	mux.Handle("/", controller)

	var handler http.Handler = mux
	if cfg.DevMode {
		handler = cacheBust(handler)
	}

	return &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
	}
}

// cacheBust forces browsers to revalidate everything, for development
// against stale client-side caches.
func cacheBust(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate, max-age=0")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
		h.Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		h.Set("ETag", fmt.Sprintf(`"%d"`, time.Now().UnixNano()))
		next.ServeHTTP(w, r)
	})
}

// preloadTasks builds the ordered category loaders. Each loader pulls its
// category's datasets through the controller, so preloading both populates
// the runtime namespace and exercises the same strategy path the map client
// uses.
func preloadTasks(categories []config.Category, controller *proxy.Controller) []preload.Task {
	tasks := make([]preload.Task, 0, len(categories))
	for _, category := range categories {
		paths := category.Paths
		tasks = append(tasks, preload.Task{
			Name: category.Name,
			Load: func(ctx context.Context) error {
				for _, p := range paths {
					req, err := http.NewRequestWithContext(ctx, http.MethodGet, p, nil)
					if err != nil {
						return err
					}
					resp, err := controller.Handle(req)
					if err != nil {
						return fmt.Errorf("loading %s: %w", p, err)
					}
					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
				return nil
			},
		})
	}
	return tasks
}
