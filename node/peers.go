package node

import (
	"sort"
	"sync"

	"dagnet/models"
	"dagnet/transport"
)

// peer is one long-lived gossip partner with its reputation score. Scores
// fall on graph errors and orphan timeouts; the lowest score is the first
// dropped when the max-peer bound is hit and the last redialed.
type peer struct {
	sess       *transport.Session
	addr       string
	reputation int
}

type peerSet struct {
	mu   sync.RWMutex
	byID map[string]*peer
	max  int
}

func newPeerSet(max int) *peerSet {
	return &peerSet{byID: make(map[string]*peer), max: max}
}

// add registers the session. When the set is full the lowest-reputation
// member is evicted to make room, unless the newcomer would rank even lower.
// The returned session, if any, must be closed by the caller.
func (ps *peerSet) add(sess *transport.Session, addr string) (evicted *transport.Session, ok bool) {
	id := sess.Peer().String()
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if existing, dup := ps.byID[id]; dup {
		// Keep the established session, refuse the new one.
		if existing.sess != sess {
			return sess, false
		}
		return nil, true
	}
	if len(ps.byID) >= ps.max {
		worstID := ""
		for pid, p := range ps.byID {
			if worstID == "" || p.reputation < ps.byID[worstID].reputation {
				worstID = pid
			}
		}
		if worstID == "" || ps.byID[worstID].reputation >= 0 {
			return sess, false
		}
		evicted = ps.byID[worstID].sess
		delete(ps.byID, worstID)
	}
	ps.byID[id] = &peer{sess: sess, addr: addr}
	return evicted, true
}

func (ps *peerSet) remove(id string) {
	ps.mu.Lock()
	delete(ps.byID, id)
	ps.mu.Unlock()
}

func (ps *peerSet) has(id string) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	_, ok := ps.byID[id]
	return ok
}

func (ps *peerSet) len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.byID)
}

// penalize lowers a peer's standing after a graph error it caused.
func (ps *peerSet) penalize(id string) {
	ps.mu.Lock()
	if p, ok := ps.byID[id]; ok {
		p.reputation--
	}
	ps.mu.Unlock()
}

// sessions snapshots all live sessions, best reputation first.
func (ps *peerSet) sessions() []*transport.Session {
	ps.mu.RLock()
	peers := make([]*peer, 0, len(ps.byID))
	for _, p := range ps.byID {
		peers = append(peers, p)
	}
	ps.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].reputation > peers[j].reputation })
	out := make([]*transport.Session, len(peers))
	for i, p := range peers {
		out[i] = p.sess
	}
	return out
}

// addrs lists connected peers for the admin surface.
func (ps *peerSet) addrs() []models.PeerAddr {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]models.PeerAddr, 0, len(ps.byID))
	for id, p := range ps.byID {
		out = append(out, models.PeerAddr{ID: id, Addr: p.addr})
	}
	return out
}
