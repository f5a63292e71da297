package dht

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"dagnet/identity"
	"dagnet/logger"
	"dagnet/models"
)

// fakeNet routes messenger calls straight to the target DHT's HandleQuery,
// standing in for the transport layer.
type fakeNet struct {
	mu    sync.Mutex
	nodes map[string]*DHT // addr -> instance
	dead  map[string]bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{nodes: make(map[string]*DHT), dead: make(map[string]bool)}
}

type fakeMessenger struct {
	net  *fakeNet
	self models.PeerAddr
}

func (m *fakeMessenger) query(addr string, env models.Envelope) (models.Envelope, error) {
	m.net.mu.Lock()
	target, ok := m.net.nodes[addr]
	dead := m.net.dead[addr]
	m.net.mu.Unlock()
	if !ok || dead {
		return models.Envelope{}, errors.New("unreachable")
	}
	return target.HandleQuery(m.self, env)
}

func (m *fakeMessenger) Ping(ctx context.Context, addr string) (models.PeerAddr, error) {
	env, _ := models.NewEnvelope(models.TypeDHTPing, models.DHTPing{From: m.self})
	resp, err := m.query(addr, env)
	if err != nil {
		return models.PeerAddr{}, err
	}
	var pong models.DHTPong
	if err := unmarshalData(resp, &pong); err != nil {
		return models.PeerAddr{}, err
	}
	return pong.From, nil
}

func (m *fakeMessenger) FindNode(ctx context.Context, addr string, key Key) (models.DHTNodes, error) {
	env, _ := models.NewEnvelope(models.TypeDHTFind, models.DHTFind{
		From: m.self,
		Key:  fmt.Sprintf("%x", key[:]),
	})
	resp, err := m.query(addr, env)
	if err != nil {
		return models.DHTNodes{}, err
	}
	var nodes models.DHTNodes
	if err := unmarshalData(resp, &nodes); err != nil {
		return models.DHTNodes{}, err
	}
	return nodes, nil
}

func (m *fakeMessenger) Store(ctx context.Context, addr string, key Key, value models.PeerAddr) error {
	env, _ := models.NewEnvelope(models.TypeDHTStore, models.DHTStore{
		From:  m.self,
		Key:   fmt.Sprintf("%x", key[:]),
		Value: value,
	})
	_, err := m.query(addr, env)
	return err
}

func unmarshalData(env models.Envelope, v any) error {
	return json.Unmarshal(env.Data, v)
}

func addrOf(id identity.PeerID) string {
	s := id.String()
	return s[len(s)-12:] + ":1"
}

// addNode builds a DHT on the fake network.
func addNode(net *fakeNet, id identity.PeerID, cfg Config) *DHT {
	addr := addrOf(id)
	self := models.PeerAddr{ID: id.String(), Addr: addr}
	d := New(id, addr, &fakeMessenger{net: net, self: self}, cfg)
	net.mu.Lock()
	net.nodes[addr] = d
	net.mu.Unlock()
	return d
}

func initLogger() {
	logger.Logger = zap.NewNop()
}

func TestLookupClosestFirstAcrossNetwork(t *testing.T) {
	initLogger()
	net := newFakeNet()

	var dhts []*DHT
	var all []models.PeerAddr
	for b := byte(1); b <= 40; b++ {
		dhts = append(dhts, addNode(net, pid(b), Config{}))
		all = append(all, models.PeerAddr{ID: pid(b).String(), Addr: addrOf(pid(b))})
	}
	for _, d := range dhts {
		d.Seed(all)
	}
	// The querier starts knowing a single entry point.
	querier := addNode(net, pid(100), Config{})
	querier.Seed([]models.PeerAddr{{ID: pid(1).String(), Addr: addrOf(pid(1))}})

	key := Key(pid(37))
	got, err := querier.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("lookup returned nothing")
	}
	if got[0].ID != pid(37).String() {
		t.Fatalf("expected exact key owner first, got %s", got[0].ID)
	}
	for i := 1; i < len(got); i++ {
		a, _ := identity.ParsePeerID(got[i-1].ID)
		b, _ := identity.ParsePeerID(got[i].ID)
		da, db := Distance(Key(a), key), Distance(Key(b), key)
		if bytes.Compare(da[:], db[:]) > 0 {
			t.Fatalf("candidates not in non-decreasing distance order at %d", i)
		}
	}
}

func TestLookupEmptyTable(t *testing.T) {
	initLogger()
	net := newFakeNet()
	d := addNode(net, pid(1), Config{})

	_, err := d.Lookup(context.Background(), Key(pid(9)))
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestAnnounceThenLookupFindsRecord(t *testing.T) {
	initLogger()
	net := newFakeNet()

	a := addNode(net, pid(1), Config{})
	b := addNode(net, pid(2), Config{})
	a.Seed([]models.PeerAddr{{ID: pid(2).String(), Addr: addrOf(pid(2))}})
	b.Seed([]models.PeerAddr{{ID: pid(1).String(), Addr: addrOf(pid(1))}})

	key := Key(pid(77))
	if err := a.Announce(context.Background(), key); err != nil {
		t.Fatalf("announce: %v", err)
	}

	got, err := b.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got[0].ID != pid(1).String() {
		t.Fatalf("expected announced record first, got %s", got[0].ID)
	}
}

func TestLookupMergesRecordsByDistance(t *testing.T) {
	initLogger()
	net := newFakeNet()

	holder := addNode(net, pid(1), Config{})
	key := Key(pid(37))

	// Two values under the same key, stored farthest-first.
	for _, b := range []byte{200, 37} {
		env, err := models.NewEnvelope(models.TypeDHTStore, models.DHTStore{
			Key:   fmt.Sprintf("%x", key[:]),
			Value: models.PeerAddr{ID: pid(b).String(), Addr: addrOf(pid(b))},
		})
		if err != nil {
			t.Fatalf("envelope: %v", err)
		}
		from := models.PeerAddr{ID: pid(9).String(), Addr: addrOf(pid(9))}
		if _, err := holder.HandleQuery(from, env); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	querier := addNode(net, pid(100), Config{})
	querier.Seed([]models.PeerAddr{{ID: pid(1).String(), Addr: addrOf(pid(1))}})

	got, err := querier.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got[0].ID != pid(37).String() {
		t.Fatalf("expected the closest record first, got %s", got[0].ID)
	}
	// Records and contacts obey one distance order; storage order and the
	// record/contact split must not leak through.
	for i := 1; i < len(got); i++ {
		a, _ := identity.ParsePeerID(got[i-1].ID)
		b, _ := identity.ParsePeerID(got[i].ID)
		da, db := Distance(Key(a), key), Distance(Key(b), key)
		if bytes.Compare(da[:], db[:]) > 0 {
			t.Fatalf("candidates not in non-decreasing distance order at %d: %s before %s",
				i, got[i-1].ID, got[i].ID)
		}
	}
}

func TestRefreshEvictsDeadContacts(t *testing.T) {
	initLogger()
	net := newFakeNet()

	d := addNode(net, pid(1), Config{MaxFailures: 1, MaxIdle: time.Nanosecond})
	alive := addNode(net, pid(2), Config{})
	_ = alive
	d.Seed([]models.PeerAddr{
		{ID: pid(2).String(), Addr: addrOf(pid(2))},
		{ID: pid(3).String(), Addr: "nowhere:1"},
	})
	time.Sleep(time.Millisecond)

	d.Refresh(context.Background())
	if d.Table().Len() != 1 {
		t.Fatalf("expected the dead contact evicted, table has %d entries", d.Table().Len())
	}
	left := d.Table().Closest(Key(pid(2)), 1)
	if len(left) != 1 || left[0].ID != pid(2) {
		t.Fatalf("wrong survivor: %+v", left)
	}
}
