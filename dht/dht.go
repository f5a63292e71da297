package dht

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dagnet/identity"
	"dagnet/logger"
	"dagnet/metrics"
	"dagnet/models"
)

// ErrNoCandidates is the explicit empty-lookup result; lookups never block
// waiting for peers that do not exist.
var ErrNoCandidates = errors.New("dht: no candidates for key")

// Messenger is the narrow network capability the overlay needs. The node
// package implements it over transport sessions; tests inject a fake.
type Messenger interface {
	Ping(ctx context.Context, addr string) (models.PeerAddr, error)
	FindNode(ctx context.Context, addr string, key Key) (models.DHTNodes, error)
	Store(ctx context.Context, addr string, key Key, value models.PeerAddr) error
}

// Config tunes the overlay. K is the bucket width and lookup fan-out.
type Config struct {
	K            int
	Alpha        int
	RoundBudget  int
	QueryTimeout time.Duration
	RecordTTL    time.Duration
	MaxFailures  int
	MaxIdle      time.Duration
}

func (c *Config) defaults() {
	if c.K == 0 {
		c.K = 20
	}
	if c.Alpha == 0 {
		c.Alpha = 3
	}
	if c.RoundBudget == 0 {
		c.RoundBudget = 8
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 3 * time.Second
	}
	if c.RecordTTL == 0 {
		c.RecordTTL = 30 * time.Minute
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 10 * time.Minute
	}
}

type record struct {
	value   models.PeerAddr
	expires time.Time
}

// DHT answers "find peers near key" and "announce self under key" over the
// structured overlay.
type DHT struct {
	self  models.PeerAddr
	table *Table
	msgr  Messenger
	cfg   Config

	mu        sync.RWMutex
	records   map[string][]record  // key hex -> announced values
	announced map[string]time.Time // keys this node re-announces
}

func New(selfID identity.PeerID, advertiseAddr string, msgr Messenger, cfg Config) *DHT {
	cfg.defaults()
	return &DHT{
		self:      models.PeerAddr{ID: selfID.String(), Addr: advertiseAddr},
		table:     NewTable(selfID, cfg.K),
		msgr:      msgr,
		cfg:       cfg,
		records:   make(map[string][]record),
		announced: make(map[string]time.Time),
	}
}

// Table exposes the routing table for observation and seeding.
func (d *DHT) Table() *Table { return d.table }

// Seed inserts bootstrap contacts.
func (d *DHT) Seed(contacts []models.PeerAddr) {
	for _, c := range contacts {
		id, err := identity.ParsePeerID(c.ID)
		if err != nil {
			continue
		}
		d.table.Update(id, c.Addr)
	}
}

// Lookup runs the iterative search: alpha parallel queries per round against
// the closest unqueried contacts, converging when a round brings nothing
// closer or the round budget runs out. Records announced under the key and
// contacts near it come back as one list, closest to the key first.
func (d *DHT) Lookup(ctx context.Context, key Key) ([]models.PeerAddr, error) {
	metrics.DHTLookups.Inc()

	type cand struct {
		contact models.PeerAddr
		dist    Key
		queried bool
	}
	shortlist := make(map[string]*cand)
	add := func(pa models.PeerAddr) {
		if pa.ID == d.self.ID {
			return
		}
		if _, ok := shortlist[pa.ID]; ok {
			return
		}
		id, err := identity.ParsePeerID(pa.ID)
		if err != nil {
			return
		}
		shortlist[pa.ID] = &cand{contact: pa, dist: Distance(Key(id), key)}
	}
	for _, c := range d.table.Closest(key, d.cfg.K) {
		add(models.PeerAddr{ID: c.ID.String(), Addr: c.Addr})
	}

	closestUnqueried := func(n int) []*cand {
		var out []*cand
		for _, c := range shortlist {
			if !c.queried {
				out = append(out, c)
			}
		}
		sort.Slice(out, func(i, j int) bool { return distLess(out[i].dist, out[j].dist) })
		if len(out) > n {
			out = out[:n]
		}
		return out
	}

	var best Key
	haveBest := false
	var foundRecords []models.PeerAddr
	seenRecords := make(map[string]bool)

	for round := 0; round < d.cfg.RoundBudget; round++ {
		batch := closestUnqueried(d.cfg.Alpha)
		if len(batch) == 0 {
			break
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		improved := false
		for _, c := range batch {
			c.queried = true
			wg.Add(1)
			go func(c *cand) {
				defer wg.Done()
				qctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
				defer cancel()
				resp, err := d.msgr.FindNode(qctx, c.contact.Addr, key)

				mu.Lock()
				defer mu.Unlock()
				id, perr := identity.ParsePeerID(c.contact.ID)
				if err != nil {
					if perr == nil {
						d.table.MarkFailure(id, d.cfg.MaxFailures)
					}
					return
				}
				if perr == nil {
					d.table.Update(id, c.contact.Addr)
				}
				for _, pa := range resp.Contacts {
					add(pa)
					if cid, err := identity.ParsePeerID(pa.ID); err == nil {
						dist := Distance(Key(cid), key)
						if !haveBest || distLess(dist, best) {
							best = dist
							haveBest = true
							improved = true
						}
					}
				}
				for _, rec := range resp.Records {
					if !seenRecords[rec.ID+rec.Addr] {
						seenRecords[rec.ID+rec.Addr] = true
						foundRecords = append(foundRecords, rec)
					}
				}
			}(c)
		}
		wg.Wait()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if round > 0 && !improved {
			break
		}
	}

	out := append([]models.PeerAddr(nil), foundRecords...)
	for _, c := range shortlist {
		if !seenRecords[c.contact.ID+c.contact.Addr] {
			out = append(out, c.contact)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return distLess(candidateDist(out[i], key), candidateDist(out[j], key))
	})
	if len(out) == 0 {
		return nil, ErrNoCandidates
	}
	if len(out) > d.cfg.K {
		out = out[:d.cfg.K]
	}
	return out, nil
}

// Announce stores this node's address under key at the K closest nodes and
// schedules periodic re-announcement; stored records expire on their own.
func (d *DHT) Announce(ctx context.Context, key Key) error {
	targets, err := d.Lookup(ctx, key)
	if err != nil && !errors.Is(err, ErrNoCandidates) {
		return err
	}

	stored := 0
	for _, t := range targets {
		if t.Addr == "" {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
		err := d.msgr.Store(sctx, t.Addr, key, d.self)
		cancel()
		if err == nil {
			stored++
		}
	}
	// Always keep a local record so nearby lookups can find us.
	d.putRecord(key, d.self)

	d.mu.Lock()
	d.announced[string(key[:])] = time.Now()
	d.mu.Unlock()

	logger.Logger.Debug("announced key", zap.Int("stored", stored))
	return nil
}

// Refresh is the periodic maintenance pass: probe stale entries, expire
// records, re-announce owned keys, and walk a random key to keep distant
// buckets populated.
func (d *DHT) Refresh(ctx context.Context) {
	for _, c := range d.table.ExpireIdle(d.cfg.MaxIdle) {
		pctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
		_, err := d.msgr.Ping(pctx, c.Addr)
		cancel()
		if err != nil {
			d.table.MarkFailure(c.ID, d.cfg.MaxFailures)
		} else {
			d.table.MarkLive(c.ID)
		}
	}

	now := time.Now()
	d.mu.Lock()
	for key, recs := range d.records {
		kept := recs[:0]
		for _, r := range recs {
			if r.expires.After(now) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(d.records, key)
		} else {
			d.records[key] = kept
		}
	}
	var reannounce []Key
	for key, at := range d.announced {
		if now.Sub(at) > d.cfg.RecordTTL/2 {
			var k Key
			copy(k[:], key)
			reannounce = append(reannounce, k)
		}
	}
	d.mu.Unlock()

	for _, k := range reannounce {
		if err := d.Announce(ctx, k); err != nil {
			logger.Logger.Warn("re-announce failed", zap.Error(err))
		}
	}

	var random Key
	if _, err := rand.Read(random[:]); err == nil {
		if _, err := d.Lookup(ctx, random); err != nil && !errors.Is(err, ErrNoCandidates) {
			logger.Logger.Debug("bucket refresh lookup failed", zap.Error(err))
		}
	}
}

// candidateDist is the XOR distance of a candidate's id from key. Records
// with unparsable ids sort last.
func candidateDist(pa models.PeerAddr, key Key) Key {
	id, err := identity.ParsePeerID(pa.ID)
	if err != nil {
		var far Key
		for i := range far {
			far[i] = 0xff
		}
		return far
	}
	return Distance(Key(id), key)
}

func (d *DHT) putRecord(key Key, value models.PeerAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := string(key[:])
	for i, r := range d.records[k] {
		if r.value.ID == value.ID {
			d.records[k][i] = record{value: value, expires: time.Now().Add(d.cfg.RecordTTL)}
			return
		}
	}
	d.records[k] = append(d.records[k], record{value: value, expires: time.Now().Add(d.cfg.RecordTTL)})
}

func (d *DHT) recordsFor(key Key) []models.PeerAddr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := time.Now()
	var out []models.PeerAddr
	for _, r := range d.records[string(key[:])] {
		if r.expires.After(now) {
			out = append(out, r.value)
		}
	}
	return out
}

// HandleQuery serves the responder side of the overlay protocol. Every valid
// query also refreshes the sender's routing table entry.
func (d *DHT) HandleQuery(from models.PeerAddr, env models.Envelope) (models.Envelope, error) {
	if id, err := identity.ParsePeerID(from.ID); err == nil && from.Addr != "" {
		d.table.Update(id, from.Addr)
	}

	switch env.Type {
	case models.TypeDHTPing:
		return models.NewEnvelope(models.TypeDHTPong, models.DHTPong{From: d.self})

	case models.TypeDHTFind:
		var req models.DHTFind
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return models.Envelope{}, err
		}
		keyID, err := identity.ParsePeerID(req.Key)
		if err != nil {
			return models.Envelope{}, err
		}
		key := Key(keyID)
		resp := models.DHTNodes{Records: d.recordsFor(key)}
		for _, c := range d.table.Closest(key, d.cfg.K) {
			resp.Contacts = append(resp.Contacts, models.PeerAddr{ID: c.ID.String(), Addr: c.Addr})
		}
		return models.NewEnvelope(models.TypeDHTNodes, resp)

	case models.TypeDHTStore:
		var req models.DHTStore
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return models.Envelope{}, err
		}
		keyID, err := identity.ParsePeerID(req.Key)
		if err != nil {
			return models.Envelope{}, err
		}
		d.putRecord(Key(keyID), req.Value)
		return models.NewEnvelope(models.TypeDHTStored, struct{}{})
	}
	return models.Envelope{}, errors.New("dht: unknown query type " + env.Type)
}
