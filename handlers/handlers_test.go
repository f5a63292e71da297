package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dagnet/dht"
	"dagnet/handlers"
	"dagnet/identity"
	"dagnet/logger"
	"dagnet/models"
	"dagnet/routers"
)

type mockGraph struct {
	mu     sync.Mutex
	order  []*models.Event
	byID   map[string]*models.Event
	orphan int
}

func newMockGraph() *mockGraph {
	return &mockGraph{byID: make(map[string]*models.Event)}
}

func (m *mockGraph) put(ev *models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, ev)
	m.byID[ev.ID] = ev
}

func (m *mockGraph) Order() []*models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Event, len(m.order))
	copy(out, m.order)
	return out
}

func (m *mockGraph) Get(id string) (*models.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.byID[id]
	return ev, ok
}

func (m *mockGraph) Size() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order), m.orphan
}

type mockNode struct {
	graph     *mockGraph
	dht       *dht.DHT
	peers     []models.PeerAddr
	submitErr error
	next      int
}

func (m *mockNode) Submit(payload []byte) (*models.Event, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.next++
	ev := &models.Event{
		ID:      fmt.Sprintf("%064x", m.next),
		Author:  "local",
		Payload: payload,
	}
	m.graph.put(ev)
	return ev, nil
}

func (m *mockNode) DHT() *dht.DHT { return m.dht }

func (m *mockNode) PeerAddrs() []models.PeerAddr { return m.peers }

// stubMessenger satisfies dht.Messenger for handlers that only need an
// instance; nothing in these tests reaches the wire.
type stubMessenger struct{}

func (stubMessenger) Ping(_ context.Context, _ string) (models.PeerAddr, error) {
	return models.PeerAddr{}, errors.New("unreachable")
}

func (stubMessenger) FindNode(_ context.Context, _ string, _ dht.Key) (models.DHTNodes, error) {
	return models.DHTNodes{}, errors.New("unreachable")
}

func (stubMessenger) Store(_ context.Context, _ string, _ dht.Key, _ models.PeerAddr) error {
	return errors.New("unreachable")
}

func testServer(n *mockNode) *mux.Router {
	logger.Logger = zap.NewNop()

	handler := handlers.NewHandler(n, n.graph)
	router := mux.NewRouter()
	routers.RegisterRoutes(router, handler)
	return router
}

func emptyDHT() *dht.DHT {
	var self identity.PeerID
	self[31] = 1
	return dht.New(self, "self:1", stubMessenger{}, dht.Config{})
}

func TestSubmitEvent_Success(t *testing.T) {
	n := &mockNode{graph: newMockGraph()}
	router := testServer(n)

	body, _ := json.Marshal(map[string]interface{}{"payload": []byte("hello")})
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	if res.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d, body: %s", res.Code, res.Body.String())
	}

	var out struct {
		Event *models.Event `json:"event"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out.Event == nil || out.Event.ID == "" {
		t.Fatalf("expected the created event in the response, got %s", res.Body.String())
	}
	if _, ok := n.graph.Get(out.Event.ID); !ok {
		t.Fatalf("expected event stored")
	}
}

func TestSubmitEvent_BadBody(t *testing.T) {
	n := &mockNode{graph: newMockGraph()}
	router := testServer(n)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte("{not json")))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestSubmitEvent_NodeError(t *testing.T) {
	n := &mockNode{graph: newMockGraph(), submitErr: errors.New("queue full")}
	router := testServer(n)

	body, _ := json.Marshal(map[string]interface{}{"payload": []byte("x")})
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestGetOrder_ReturnsEverything(t *testing.T) {
	n := &mockNode{graph: newMockGraph()}
	router := testServer(n)

	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(map[string]interface{}{"payload": []byte{byte(i + 1)}})
		res := httptest.NewRecorder()
		router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body)))
		if res.Code != http.StatusCreated {
			t.Fatalf("submit %d failed: %d", i, res.Code)
		}
	}

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/events/order", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	var out struct {
		Events []*models.Event `json:"events"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(out.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(out.Events))
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	n := &mockNode{graph: newMockGraph()}
	router := testServer(n)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/events/deadbeef", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestGetPeers(t *testing.T) {
	n := &mockNode{
		graph: newMockGraph(),
		peers: []models.PeerAddr{{ID: "aa", Addr: "10.0.0.1:9000"}},
	}
	router := testServer(n)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/peers", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	var out struct {
		Peers []models.PeerAddr `json:"peers"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(out.Peers) != 1 || out.Peers[0].Addr != "10.0.0.1:9000" {
		t.Fatalf("unexpected peers: %+v", out.Peers)
	}
}

func TestLookupKey_OverlayNotStarted(t *testing.T) {
	n := &mockNode{graph: newMockGraph()}
	router := testServer(n)

	key := hexKey()
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/dht/lookup/"+key, nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

// hexKey builds a well-formed 64-char hex key.
func hexKey() string {
	return string(bytes.Repeat([]byte("ab"), 32))
}

func TestLookupKey_BadKey(t *testing.T) {
	n := &mockNode{graph: newMockGraph(), dht: emptyDHT()}
	router := testServer(n)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/dht/lookup/nothex", nil))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestLookupKey_NoCandidates(t *testing.T) {
	n := &mockNode{graph: newMockGraph(), dht: emptyDHT()}
	router := testServer(n)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/dht/lookup/"+hexKey(), nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	n := &mockNode{graph: newMockGraph()}
	router := testServer(n)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("unexpected health payload: %s", res.Body.String())
	}
}
