package routers

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dagnet/handlers"
)

// RegisterRoutes sets up all the HTTP routes for the node
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Appends a new payload to the causal log
	r.HandleFunc("/events", h.SubmitEvent).Methods("POST")

	// Returns every admitted event in the deterministic total order
	r.HandleFunc("/events/order", h.GetOrder).Methods("GET")

	// Retrieves a single event by content hash
	r.HandleFunc("/events/{id}", h.GetEvent).Methods("GET")

	// Lists currently connected gossip peers
	r.HandleFunc("/peers", h.GetPeers).Methods("GET")

	// Runs an iterative overlay lookup for a key
	r.HandleFunc("/dht/lookup/{key}", h.LookupKey).Methods("GET")

	// Liveness and graph size
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
