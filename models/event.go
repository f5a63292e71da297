package models

import (
	"encoding/binary"
	"sort"
)

// Event is one immutable record in the causal log. ID is the hex hash of the
// canonical encoding, so an event is tamper-evident and content-addressed.
// Depth is derived locally on admission and is not part of the hash.
type Event struct {
	ID        string   `json:"id"`
	Author    string   `json:"author"`     // peer id of the signer
	AuthorKey []byte   `json:"author_key"` // ed25519 public key, hashes to Author
	Parents   []string `json:"parents"`
	Payload   []byte   `json:"payload"`
	Timestamp int64    `json:"timestamp"` // unix ms at creation
	Signature []byte   `json:"signature"` // over the decoded ID
	Depth     int      `json:"depth,omitempty"`
}

// CanonicalBytes is the encoding the event id is hashed over. Parents are
// sorted so the hash is independent of the order they were observed in.
func CanonicalBytes(author string, parents []string, payload []byte, timestamp int64) []byte {
	sorted := make([]string, len(parents))
	copy(sorted, parents)
	sort.Strings(sorted)

	buf := make([]byte, 0, len(author)+len(payload)+len(sorted)*64+16)
	buf = append(buf, author...)
	for _, p := range sorted {
		buf = append(buf, p...)
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestamp))
	return buf
}

// Clone returns a deep copy so callers can hold events across admissions.
func (e *Event) Clone() *Event {
	cp := *e
	cp.Parents = append([]string(nil), e.Parents...)
	cp.Payload = append([]byte(nil), e.Payload...)
	cp.AuthorKey = append([]byte(nil), e.AuthorKey...)
	cp.Signature = append([]byte(nil), e.Signature...)
	return &cp
}
