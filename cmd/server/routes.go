package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/softkeel/askrelay/internal/config"
	"github.com/softkeel/askrelay/internal/relay"
)

func buildMux(cfg *config.Config, relayHandler *relay.Handler, newsHandler, marketHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", relayHandler.Live)
	mux.HandleFunc("GET /health/ready", relayHandler.Ready)

	mux.HandleFunc("POST /v1/ask", relayHandler.Ask)
	mux.HandleFunc("GET /v1/history", relayHandler.History)

	// News accepts both verbs: topic via query params or a JSON body.
	mux.Handle("GET /v1/news", newsHandler)
	mux.Handle("POST /v1/news", newsHandler)
	mux.Handle("GET /v1/financial", marketHandler)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	return mux
}
