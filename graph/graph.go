package graph

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dagnet/identity"
	"dagnet/logger"
	"dagnet/metrics"
	"dagnet/models"
	"dagnet/repository"
)

// AdmitResult classifies what Receive did with an event.
type AdmitResult int

const (
	Admitted AdmitResult = iota
	Duplicate
	Orphaned
	Rejected
)

func (r AdmitResult) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	case Orphaned:
		return "orphaned"
	case Rejected:
		return "rejected"
	}
	return "invalid"
}

var (
	ErrBadHash      = errors.New("event id does not match content hash")
	ErrBadSignature = errors.New("bad event signature")
)

// Graph owns the append-only DAG and its derived total order. All mutation is
// serialized behind one mutex (single-writer admission); hash and signature
// checks run outside it so independent events validate in parallel.
type Graph struct {
	keys      identity.Keyring
	author    string
	repo      repository.EventRepositoryInterface
	orphanTTL time.Duration

	// onOrphanExpired reports the peer that sent an event whose parents
	// never arrived, for reputation accounting.
	onOrphanExpired func(peer string)

	// onAdmitted fires for every event that reaches Admitted, including
	// orphans released by a late parent, with the peer it came from ("" for
	// local submissions). The node gossips through it.
	onAdmitted func(ev *models.Event, from string)

	// deliverMu serializes subscriber sends across calls; it is taken
	// before the admission lock is released so cross-call send order always
	// matches admission order.
	deliverMu sync.Mutex

	mu       sync.Mutex
	events   map[string]*models.Event
	children map[string][]string
	frontier map[string]struct{}
	order    []string // admitted ids sorted by (depth, id)
	orphans  *orphanBuffer
	rejected map[string]struct{}
	pruned   map[string]struct{}
	maxDepth int
	subs     []chan *models.Event

	// pendingDeliver collects admissions made under the lock so channel
	// sends and hook calls happen after release.
	pendingDeliver []admission
}

// admission pairs an admitted event with the peer it came from.
type admission struct {
	ev   *models.Event
	from string
}

// New builds a graph around the given keyring and storage, replaying any
// previously persisted events so a restart resumes where it left off.
func New(keys identity.Keyring, repo repository.EventRepositoryInterface, orphanTTL time.Duration) (*Graph, error) {
	g := &Graph{
		keys:      keys,
		author:    identity.PeerIDFromKey(keys.PublicKey()).String(),
		repo:      repo,
		orphanTTL: orphanTTL,
		events:    make(map[string]*models.Event),
		children:  make(map[string][]string),
		frontier:  make(map[string]struct{}),
		orphans:   newOrphanBuffer(),
		rejected:  make(map[string]struct{}),
		pruned:    make(map[string]struct{}),
	}

	pruned, err := repo.PrunedIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range pruned {
		g.pruned[id] = struct{}{}
	}
	rejected, err := repo.RejectedIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range rejected {
		g.rejected[id] = struct{}{}
	}

	stored, err := repo.GetAllEvents()
	if err != nil {
		return nil, err
	}
	// Replay in causal order; (depth, id) from the stored records gives one.
	sort.Slice(stored, func(i, j int) bool {
		if stored[i].Depth != stored[j].Depth {
			return stored[i].Depth < stored[j].Depth
		}
		return stored[i].ID < stored[j].ID
	})
	for _, ev := range stored {
		g.admitLocked(ev, "", false)
	}
	g.pendingDeliver = nil // replay predates any subscriber
	return g, nil
}

// SetOrphanExpiredHook registers the reputation callback. Must be called
// before the graph starts receiving.
func (g *Graph) SetOrphanExpiredHook(fn func(peer string)) {
	g.onOrphanExpired = fn
}

// SetAdmittedHook registers the gossip callback. It runs once per admitted
// event, after delivery, with no graph lock held. Must be called before the
// graph starts receiving.
func (g *Graph) SetAdmittedHook(fn func(ev *models.Event, from string)) {
	g.onAdmitted = fn
}

// Subscribe returns a channel delivering every admitted event, parents
// always before children. The buffer bounds how far a consumer may lag
// before admission blocks on it.
func (g *Graph) Subscribe(buf int) <-chan *models.Event {
	ch := make(chan *models.Event, buf)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()
	return ch
}

// Submit wraps payload in a new event authored by this node: parents are the
// current frontier, the id is the content hash, and the id is signed.
func (g *Graph) Submit(payload []byte) (*models.Event, error) {
	g.mu.Lock()

	parents := make([]string, 0, len(g.frontier))
	for id := range g.frontier {
		parents = append(parents, id)
	}
	sort.Strings(parents)

	ts := time.Now().UnixMilli()
	sum := g.keys.Hash(models.CanonicalBytes(g.author, parents, payload, ts))
	id := hex.EncodeToString(sum[:])

	if _, ok := g.events[id]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("event %s already exists", id)
	}

	ev := &models.Event{
		ID:        id,
		Author:    g.author,
		AuthorKey: g.keys.PublicKey(),
		Parents:   parents,
		Payload:   append([]byte(nil), payload...),
		Timestamp: ts,
		Signature: g.keys.Sign(sum[:]),
	}
	g.admitLocked(ev, "", true)
	g.flushAndUnlock()
	return ev, nil
}

// Receive validates and admits an event from a peer.
//
// Any id already known in any state is dropped without re-validation. An
// event with missing parents waits in the orphan buffer until they arrive or
// the TTL expires, after which it is Rejected for good.
func (g *Graph) Receive(ev *models.Event, from string) (AdmitResult, error) {
	g.mu.Lock()
	if res, known := g.classifyLocked(ev.ID); known {
		g.mu.Unlock()
		return res, nil
	}
	g.mu.Unlock()

	// Hash and signature work happens outside the admission lock.
	if err := g.Verify(ev); err != nil {
		g.mu.Lock()
		g.rejectLocked(ev.ID)
		g.mu.Unlock()
		metrics.EventsRejected.Inc()
		return Rejected, err
	}

	g.mu.Lock()
	if res, known := g.classifyLocked(ev.ID); known {
		g.mu.Unlock()
		return res, nil
	}

	var missing []string
	for _, p := range ev.Parents {
		if !g.parentPresentLocked(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		g.orphans.add(ev.Clone(), from, missing, time.Now().Add(g.orphanTTL))
		g.mu.Unlock()
		metrics.EventsOrphaned.Inc()
		logger.Logger.Debug("event orphaned",
			zap.String("id", ev.ID), zap.Strings("missing", missing))
		return Orphaned, nil
	}

	g.admitLocked(ev.Clone(), from, true)
	g.flushAndUnlock()
	return Admitted, nil
}

// Verify checks the content hash, the author binding and the signature.
// It reads no mutable state and is safe to run concurrently.
func (g *Graph) Verify(ev *models.Event) error {
	sum := g.keys.Hash(models.CanonicalBytes(ev.Author, ev.Parents, ev.Payload, ev.Timestamp))
	if hex.EncodeToString(sum[:]) != ev.ID {
		return ErrBadHash
	}
	if identity.PeerIDFromKey(ev.AuthorKey).String() != ev.Author {
		return fmt.Errorf("%w: author key does not hash to author id", ErrBadSignature)
	}
	if !g.keys.Verify(ev.AuthorKey, sum[:], ev.Signature) {
		return ErrBadSignature
	}
	return nil
}

// classifyLocked maps an already-known id to its drop result.
func (g *Graph) classifyLocked(id string) (AdmitResult, bool) {
	if _, ok := g.events[id]; ok {
		return Duplicate, true
	}
	if _, ok := g.pruned[id]; ok {
		return Duplicate, true
	}
	if _, ok := g.rejected[id]; ok {
		return Rejected, true
	}
	if g.orphans.has(id) {
		return Orphaned, true
	}
	return Admitted, false
}

// parentPresentLocked treats pruned ancestors as present; their subtree was
// already confirmed network-wide.
func (g *Graph) parentPresentLocked(id string) bool {
	if _, ok := g.events[id]; ok {
		return true
	}
	_, ok := g.pruned[id]
	return ok
}

// flushAndUnlock releases the admission lock and hands the admissions made
// under it to every subscriber, then to the gossip hook. deliverMu is taken
// before mu is released, so sends from concurrent calls land in admission
// order even after the admission lock is gone.
func (g *Graph) flushAndUnlock() {
	pending := g.pendingDeliver
	g.pendingDeliver = nil
	if len(pending) == 0 {
		g.mu.Unlock()
		return
	}
	subs := append([]chan *models.Event(nil), g.subs...)
	onAdmitted := g.onAdmitted
	g.deliverMu.Lock()
	g.mu.Unlock()
	for _, a := range pending {
		for _, ch := range subs {
			ch <- a.ev
		}
	}
	g.deliverMu.Unlock()

	if onAdmitted != nil {
		for _, a := range pending {
			onAdmitted(a.ev, a.from)
		}
	}
}

// admitLocked inserts the event, updates the frontier, the children index
// and the total order, persists it, and cascades any orphans this admission
// unblocks. persist=false replays already-stored events at startup.
func (g *Graph) admitLocked(ev *models.Event, from string, persist bool) {
	depth := 0
	for _, p := range ev.Parents {
		if parent, ok := g.events[p]; ok && parent.Depth+1 > depth {
			depth = parent.Depth + 1
		}
	}
	ev.Depth = depth
	if depth > g.maxDepth {
		g.maxDepth = depth
	}

	g.events[ev.ID] = ev
	for _, p := range ev.Parents {
		g.children[p] = append(g.children[p], ev.ID)
		delete(g.frontier, p)
	}
	g.frontier[ev.ID] = struct{}{}
	g.insertOrderLocked(ev)

	if persist {
		if err := g.repo.PutEvent(ev); err != nil {
			logger.Logger.Error("failed to persist event", zap.String("id", ev.ID), zap.Error(err))
		}
		metrics.EventsAdmitted.Inc()
	}
	g.pendingDeliver = append(g.pendingDeliver, admission{ev: ev, from: from})

	for _, o := range g.orphans.resolve(ev.ID) {
		stillMissing := false
		for _, p := range o.ev.Parents {
			if !g.parentPresentLocked(p) {
				stillMissing = true
				break
			}
		}
		if !stillMissing {
			g.admitLocked(o.ev, o.from, true)
		}
	}
}

// insertOrderLocked keeps order sorted by (depth, id). Depth strictly grows
// along parent edges, so the order is consistent with causality; the id
// tie-break makes it identical on every node holding the same events.
func (g *Graph) insertOrderLocked(ev *models.Event) {
	i := sort.Search(len(g.order), func(i int) bool {
		other := g.events[g.order[i]]
		if other.Depth != ev.Depth {
			return other.Depth > ev.Depth
		}
		return other.ID > ev.ID
	})
	g.order = append(g.order, "")
	copy(g.order[i+1:], g.order[i:])
	g.order[i] = ev.ID
}

func (g *Graph) rejectLocked(id string) {
	g.rejected[id] = struct{}{}
	if err := g.repo.MarkRejected(id); err != nil {
		logger.Logger.Error("failed to persist rejection", zap.String("id", id), zap.Error(err))
	}
}

// SweepOrphans rejects every orphan past its deadline and reports the
// sending peers through the reputation hook. Rejected ids never re-enter.
func (g *Graph) SweepOrphans(now time.Time) int {
	g.mu.Lock()
	expired := g.orphans.expire(now)
	for _, o := range expired {
		g.rejectLocked(o.ev.ID)
	}
	g.mu.Unlock()

	for _, o := range expired {
		metrics.EventsRejected.Inc()
		logger.Logger.Info("orphan expired",
			zap.String("id", o.ev.ID), zap.String("from", o.from))
		if g.onOrphanExpired != nil && o.from != "" {
			g.onOrphanExpired(o.from)
		}
	}
	return len(expired)
}

// Order returns a fresh snapshot of the deterministic total order. Parents
// always precede children; causally unrelated events tie-break by id.
func (g *Graph) Order() []*models.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*models.Event, len(g.order))
	for i, id := range g.order {
		out[i] = g.events[id]
	}
	return out
}

// OrderFrom returns the suffix of the total order starting at position i,
// letting a consumer resume iteration after a restart. Positions below the
// prune horizon are gone; callers resuming that far back get the full
// surviving order.
func (g *Graph) OrderFrom(i int) []*models.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i < 0 || i > len(g.order) {
		i = 0
	}
	out := make([]*models.Event, 0, len(g.order)-i)
	for _, id := range g.order[i:] {
		out = append(out, g.events[id])
	}
	return out
}

// Get returns an admitted event by id.
func (g *Graph) Get(id string) (*models.Event, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.events[id]
	return ev, ok
}

// IDs returns all admitted ids in total order, the sync digest body.
func (g *Graph) IDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

// Size reports admitted and orphaned counts.
func (g *Graph) Size() (admitted, orphaned int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.events), g.orphans.len()
}

// Frontier returns the ids a new local event would reference as parents.
func (g *Graph) Frontier() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.frontier))
	for id := range g.frontier {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Prune drops events at or below the finality horizon from active memory,
// keeping tombstones so stale re-submissions are still recognized.
func (g *Graph) Prune(confirmationDepth int) int {
	g.mu.Lock()
	horizon := g.maxDepth - confirmationDepth
	if horizon < 0 {
		g.mu.Unlock()
		return 0
	}

	var removed []string
	kept := g.order[:0]
	for _, id := range g.order {
		if g.events[id].Depth <= horizon {
			removed = append(removed, id)
		} else {
			kept = append(kept, id)
		}
	}
	g.order = kept
	for _, id := range removed {
		delete(g.events, id)
		delete(g.children, id)
		delete(g.frontier, id)
		g.pruned[id] = struct{}{}
	}
	g.mu.Unlock()

	for _, id := range removed {
		if err := g.repo.MarkPruned(id); err != nil {
			logger.Logger.Error("failed to persist tombstone", zap.String("id", id), zap.Error(err))
		}
		if err := g.repo.DeleteEvent(id); err != nil {
			logger.Logger.Error("failed to delete pruned event", zap.String("id", id), zap.Error(err))
		}
		metrics.EventsPruned.Inc()
	}
	return len(removed)
}
