package models

import "encoding/json"

// Message types carried inside transport frames. Every frame body is a
// JSON Envelope, so the wire is self-describing.
const (
	TypeDHTPing     = "dht.ping"
	TypeDHTPong     = "dht.pong"
	TypeDHTFind     = "dht.find"
	TypeDHTNodes    = "dht.nodes"
	TypeDHTStore    = "dht.store"
	TypeDHTStored   = "dht.stored"
	TypeGraphEvent  = "graph.event"
	TypeGraphDigest = "graph.digest"
	TypeGraphDelta  = "graph.delta"
)

// Envelope wraps every message exchanged after the handshake.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals v into an Envelope of the given type.
func NewEnvelope(typ string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Data: data}, nil
}

// PeerAddr is a routable peer reference: identity plus dial address.
type PeerAddr struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// DHTPing probes liveness. From carries the claimed dial-back address; the
// id is checked against the session's authenticated peer before use.
type DHTPing struct {
	From PeerAddr `json:"from"`
}

// DHTFind asks for contacts near Key (hex, 32 bytes).
type DHTFind struct {
	From PeerAddr `json:"from"`
	Key  string   `json:"key"`
}

// DHTNodes answers a find with the closest known contacts and any
// records announced under the key.
type DHTNodes struct {
	Contacts []PeerAddr `json:"contacts"`
	Records  []PeerAddr `json:"records,omitempty"`
}

// DHTStore announces Value under Key at the receiving node.
type DHTStore struct {
	From  PeerAddr `json:"from"`
	Key   string   `json:"key"`
	Value PeerAddr `json:"value"`
}

// DHTPong carries the responder's identity and advertised address.
type DHTPong struct {
	From PeerAddr `json:"from"`
}

// GraphDigest advertises the full set of admitted event ids.
type GraphDigest struct {
	IDs []string `json:"ids"`
}

// GraphDelta transfers events the digest showed missing, parents first.
// Reply digests let the other side answer with its own delta.
type GraphDelta struct {
	Events []*Event `json:"events"`
	IDs    []string `json:"ids,omitempty"`
}

// GraphEvent gossips a single freshly admitted event.
type GraphEvent struct {
	Event *Event `json:"event"`
}
