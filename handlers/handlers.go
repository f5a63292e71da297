package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dagnet/dht"
	"dagnet/identity"
	"dagnet/logger"
	"dagnet/models"
)

// NodeAPI is the slice of the node the HTTP surface needs.
type NodeAPI interface {
	Submit(payload []byte) (*models.Event, error)
	DHT() *dht.DHT
	PeerAddrs() []models.PeerAddr
}

// GraphAPI is the read side of the event graph.
type GraphAPI interface {
	Order() []*models.Event
	Get(id string) (*models.Event, bool)
	Size() (admitted, orphaned int)
}

// Handler contains the HTTP handlers for the node API endpoints
type Handler struct {
	Node  NodeAPI
	Graph GraphAPI
}

// NewHandler creates and returns a new Handler instance
func NewHandler(n NodeAPI, g GraphAPI) *Handler {
	return &Handler{Node: n, Graph: g}
}

type submitRequest struct {
	Payload []byte `json:"payload"`
}

// SubmitEvent handles POST requests appending a new payload to the log
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode submit request", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request payload",
		})
		return
	}

	ev, err := h.Node.Submit(req.Payload)
	if err != nil {
		logger.Logger.Error("Failed to submit event", zap.Error(err))
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
		return
	}

	logger.Logger.Info("Submitted new event",
		zap.String("event_id", ev.ID), zap.Strings("parents", ev.Parents))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Event submitted successfully",
		"event":   ev,
	})
}

// GetOrder handles GET requests for the deterministic total order
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": h.Graph.Order(),
	})
}

// GetEvent handles GET requests for a single event by id
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ev, ok := h.Graph.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "event not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// GetPeers handles GET requests listing connected gossip peers
func (h *Handler) GetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": h.Node.PeerAddrs(),
	})
}

// LookupKey handles GET requests running a DHT lookup for a key
func (h *Handler) LookupKey(w http.ResponseWriter, r *http.Request) {
	d := h.Node.DHT()
	if d == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "overlay not started",
		})
		return
	}
	keyID, err := identity.ParsePeerID(mux.Vars(r)["key"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "key must be 32 hex-encoded bytes",
		})
		return
	}
	candidates, err := d.Lookup(r.Context(), dht.Key(keyID))
	if err != nil {
		logger.Logger.Error("Lookup failed", zap.Error(err))
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"candidates": candidates,
	})
}

// Healthz reports basic node liveness and graph size
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	admitted, orphaned := h.Graph.Size()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"admitted": admitted,
		"orphaned": orphaned,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
