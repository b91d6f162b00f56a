package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
)

// SetupRoutes wires every HTTP route. The presence API is wrapped in CORS for
// cfg.CORSAllow; "/" serves cfg.StaticDir when set and the health text
// otherwise.
func SetupRoutes(cfg Config, hub *Hub, gatherer prometheus.Gatherer) *http.ServeMux {
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllow,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthHandler)
	mux.HandleFunc("/readyz", hub.ReadyHandler)
	mux.Handle("/metrics", MetricsHandler(gatherer))
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.Handle("/api/presence", c.Handler(PresenceHandler(hub.manager)))

	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	} else {
		mux.HandleFunc("/", HealthHandler)
	}
	return mux
}
