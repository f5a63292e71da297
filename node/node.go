package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"dagnet/config"
	"dagnet/dht"
	"dagnet/graph"
	"dagnet/identity"
	"dagnet/logger"
	"dagnet/models"
	"dagnet/repository"
	"dagnet/transport"
)

const sendTimeout = 5 * time.Second

// Node wires the three layers together: the transport owns sessions, the
// discovery overlay supplies sync partners, and the event graph owns the
// DAG. Everything else consumes the graph through Submit and Subscribe.
type Node struct {
	cfg   *config.Config
	id    *identity.Identity
	trans *transport.Transport
	graph *graph.Graph
	peers *peerSet

	listener  *transport.Listener
	dht       *dht.DHT
	msgr      *sessionMessenger
	pool      *validatePool
	advertise string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a node from immutable startup configuration.
func New(cfg *config.Config, id *identity.Identity, repo repository.EventRepositoryInterface) (*Node, error) {
	allow, err := transport.ParseCIDRs(cfg.AllowCIDRs)
	if err != nil {
		return nil, err
	}
	deny, err := transport.ParseCIDRs(cfg.DenyCIDRs)
	if err != nil {
		return nil, err
	}

	trans := transport.New(id, transport.Config{
		MaxFrameBytes: cfg.MaxFrameBytes,
		QueueBound:    cfg.QueueBound,
		IdleTimeout:   cfg.IdleTimeout,
		DialRetries:   cfg.DialRetries,
		Allow:         allow,
		Deny:          deny,
		ProxyAddr:     cfg.ProxyAddr,
	})

	g, err := graph.New(id, repo, cfg.OrphanTTL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:    cfg,
		id:     id,
		trans:  trans,
		graph:  g,
		peers:  newPeerSet(cfg.MaxPeers),
		ctx:    ctx,
		cancel: cancel,
	}
	g.SetOrphanExpiredHook(n.peers.penalize)
	// The graph reports every admission, including orphans released by a
	// late parent, so cascaded events reach the other peers by gossip
	// instead of waiting for the next anti-entropy round.
	g.SetAdmittedHook(func(ev *models.Event, from string) { n.broadcast(ev, from) })
	return n, nil
}

// Graph exposes the event graph for the admin surface.
func (n *Node) Graph() *graph.Graph { return n.graph }

// DHT exposes the overlay, nil before Start.
func (n *Node) DHT() *dht.DHT { return n.dht }

// PeerAddrs lists currently connected gossip peers.
func (n *Node) PeerAddrs() []models.PeerAddr { return n.peers.addrs() }

// Submit appends a locally authored event; the admission hook gossips it to
// every peer.
func (n *Node) Submit(payload []byte) (*models.Event, error) {
	return n.graph.Submit(payload)
}

// Subscribe delivers admitted events, parents before children.
func (n *Node) Subscribe(buf int) <-chan *models.Event {
	return n.graph.Subscribe(buf)
}

// Start binds the listener, joins the overlay and launches the maintenance
// loops.
func (n *Node) Start() error {
	listener, err := n.trans.Listen(n.cfg.ListenAddr)
	if err != nil {
		return err
	}
	n.listener = listener

	n.advertise = n.cfg.AdvertiseAddr
	if n.advertise == "" {
		n.advertise = listener.Addr()
	}
	self := models.PeerAddr{ID: n.id.PeerID().String(), Addr: n.advertise}
	n.msgr = &sessionMessenger{trans: n.trans, self: self}
	n.dht = dht.New(n.id.PeerID(), n.advertise, n.msgr, dht.Config{
		MaxIdle: n.cfg.IdleTimeout * 2,
	})

	workers := runtime.NumCPU()
	n.pool = newValidatePool(workers, workers*16, n.validate)

	logger.Logger.Info("node listening",
		zap.String("peer_id", self.ID), zap.String("addr", listener.Addr()))

	n.loop(n.acceptLoop)
	n.loop(func() { n.bootstrap(); n.connectPeers() })
	n.loop(func() { n.tick(n.cfg.RefreshInterval, func() { n.dht.Refresh(n.ctx) }) })
	n.loop(func() {
		n.tick(n.cfg.SyncInterval, func() {
			n.connectPeers()
			n.syncPeers()
		})
	})
	n.loop(func() { n.tick(time.Second, func() { n.graph.SweepOrphans(time.Now()) }) })
	n.loop(func() { n.tick(n.cfg.PruneInterval, func() { n.graph.Prune(n.cfg.ConfirmationDepth) }) })
	return nil
}

// Stop tears everything down and waits for the loops.
func (n *Node) Stop() {
	n.cancel()
	if n.listener != nil {
		n.listener.Close()
	}
	for _, sess := range n.peers.sessions() {
		sess.Close()
	}
	n.wg.Wait()
	if n.pool != nil {
		n.pool.close()
	}
}

func (n *Node) loop(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

func (n *Node) tick(every time.Duration, fn func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func (n *Node) acceptLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case sess, ok := <-n.listener.Sessions():
			if !ok {
				return
			}
			// Inbound sessions join the gossip set lazily: DHT query
			// sessions come and go without occupying a peer slot.
			n.loop(func() { n.sessionLoop(sess, sess.RemoteAddr(), false) })
		}
	}
}

// bootstrap learns the identities behind the configured seed addresses and
// announces this node under its own id.
func (n *Node) bootstrap() {
	for _, addr := range n.cfg.Bootstrap {
		ctx, cancel := context.WithTimeout(n.ctx, sendTimeout)
		pa, err := n.msgr.Ping(ctx, addr)
		cancel()
		if err != nil {
			logger.Logger.Warn("bootstrap ping failed", zap.String("addr", addr), zap.Error(err))
			continue
		}
		if pa.Addr == "" {
			pa.Addr = addr
		}
		n.dht.Seed([]models.PeerAddr{pa})
	}

	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	if err := n.dht.Announce(ctx, dht.Key(n.id.PeerID())); err != nil {
		logger.Logger.Warn("announce failed", zap.Error(err))
	}
}

// connectPeers fills the gossip set from overlay candidates near our own id.
func (n *Node) connectPeers() {
	if n.peers.len() >= n.cfg.MaxPeers {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	candidates, err := n.dht.Lookup(ctx, dht.Key(n.id.PeerID()))
	cancel()
	if err != nil {
		if !errors.Is(err, dht.ErrNoCandidates) {
			logger.Logger.Debug("peer lookup failed", zap.Error(err))
		}
		return
	}

	selfID := n.id.PeerID().String()
	for _, c := range candidates {
		if n.peers.len() >= n.cfg.MaxPeers {
			return
		}
		if c.ID == selfID || c.Addr == "" || n.peers.has(c.ID) {
			continue
		}
		addr := c.Addr
		n.loop(func() {
			sess, err := n.trans.Redial(n.ctx, addr)
			if err != nil {
				logger.Logger.Debug("gossip dial failed", zap.String("addr", addr), zap.Error(err))
				return
			}
			n.sessionLoop(sess, addr, true)
		})
	}
}

// syncPeers starts an anti-entropy exchange with every connected peer.
func (n *Node) syncPeers() {
	digest, err := models.NewEnvelope(models.TypeGraphDigest, n.graph.Digest())
	if err != nil {
		return
	}
	for _, sess := range n.peers.sessions() {
		n.send(sess, digest)
	}
}

// sessionLoop owns one session until it dies. gossip marks sessions we
// dialed as sync partners; inbound sessions are promoted on their first
// graph message.
func (n *Node) sessionLoop(sess *transport.Session, addr string, gossip bool) {
	peerID := sess.Peer().String()
	registered := false
	defer func() {
		if registered {
			n.peers.remove(peerID)
		}
		sess.Close()
	}()

	register := func() bool {
		if registered {
			return true
		}
		evicted, ok := n.peers.add(sess, addr)
		if evicted != nil {
			evicted.Close()
		}
		registered = ok
		return ok
	}

	if gossip {
		if !register() {
			return
		}
		// Fresh partner: reconcile immediately rather than waiting a tick.
		if env, err := models.NewEnvelope(models.TypeGraphDigest, n.graph.Digest()); err == nil {
			n.send(sess, env)
		}
	}

	for {
		select {
		case <-n.ctx.Done():
			return
		case raw, ok := <-sess.Receive():
			if !ok {
				if err := sess.Err(); err != nil && !errors.Is(err, transport.ErrSessionClosed) {
					logger.Logger.Debug("session ended", zap.String("peer", peerID), zap.Error(err))
				}
				return
			}
			var env models.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				logger.Logger.Warn("undecodable frame", zap.String("peer", peerID), zap.Error(err))
				return
			}
			if err := n.handleEnvelope(sess, env, register); err != nil {
				logger.Logger.Debug("envelope rejected",
					zap.String("peer", peerID), zap.String("type", env.Type), zap.Error(err))
			}
		}
	}
}

func (n *Node) handleEnvelope(sess *transport.Session, env models.Envelope, register func() bool) error {
	switch env.Type {
	case models.TypeDHTPing, models.TypeDHTFind, models.TypeDHTStore:
		return n.handleDHTQuery(sess, env)

	case models.TypeGraphEvent:
		if !register() {
			return errors.New("peer slots full")
		}
		var msg models.GraphEvent
		if err := json.Unmarshal(env.Data, &msg); err != nil || msg.Event == nil {
			return fmt.Errorf("bad graph.event: %w", err)
		}
		if !n.pool.submit(validateJob{ev: msg.Event, sess: sess}) {
			logger.Logger.Warn("validation backlog full, dropping event",
				zap.String("id", msg.Event.ID))
		}
		return nil

	case models.TypeGraphDigest:
		if !register() {
			return errors.New("peer slots full")
		}
		var digest models.GraphDigest
		if err := json.Unmarshal(env.Data, &digest); err != nil {
			return err
		}
		reply, err := models.NewEnvelope(models.TypeGraphDelta, models.GraphDelta{
			Events: n.graph.Delta(digest.IDs),
			IDs:    n.graph.IDs(),
		})
		if err != nil {
			return err
		}
		n.send(sess, reply)
		return nil

	case models.TypeGraphDelta:
		if !register() {
			return errors.New("peer slots full")
		}
		var delta models.GraphDelta
		if err := json.Unmarshal(env.Data, &delta); err != nil {
			return err
		}
		peerID := sess.Peer().String()
		if _, err := n.graph.ApplyDelta(delta.Events, peerID); err != nil {
			n.peers.penalize(peerID)
		}
		// A delta carrying the sender's digest wants our side of the
		// difference back; the closing delta omits it.
		if delta.IDs != nil {
			reply, err := models.NewEnvelope(models.TypeGraphDelta, models.GraphDelta{
				Events: n.graph.Delta(delta.IDs),
			})
			if err != nil {
				return err
			}
			n.send(sess, reply)
		}
		return nil
	}
	return fmt.Errorf("unknown envelope type %q", env.Type)
}

// handleDHTQuery answers overlay queries on any session. The sender's id is
// taken from the authenticated session, never from the message.
func (n *Node) handleDHTQuery(sess *transport.Session, env models.Envelope) error {
	var claim struct {
		From models.PeerAddr `json:"from"`
	}
	_ = json.Unmarshal(env.Data, &claim)

	from := models.PeerAddr{ID: sess.Peer().String()}
	if claim.From.ID == from.ID {
		from.Addr = claim.From.Addr
	}
	resp, err := n.dht.HandleQuery(from, env)
	if err != nil {
		return err
	}
	n.send(sess, resp)
	return nil
}

// validate runs on the worker pool: check the event off the admission lock,
// then admit it. The graph's admission hook handles the onward gossip for
// this event and for any orphans it releases.
func (n *Node) validate(job validateJob) {
	from := job.sess.Peer().String()
	if _, err := n.graph.Receive(job.ev, from); err != nil {
		n.peers.penalize(from)
		logger.Logger.Warn("event rejected",
			zap.String("id", job.ev.ID), zap.String("from", from), zap.Error(err))
	}
}

// broadcast gossips an event to every peer except the one it came from.
func (n *Node) broadcast(ev *models.Event, exceptID string) {
	env, err := models.NewEnvelope(models.TypeGraphEvent, models.GraphEvent{Event: ev})
	if err != nil {
		return
	}
	for _, sess := range n.peers.sessions() {
		if sess.Peer().String() == exceptID {
			continue
		}
		n.send(sess, env)
	}
}

func (n *Node) send(sess *transport.Session, env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, sendTimeout)
	defer cancel()
	if err := sess.Send(ctx, data); err != nil {
		logger.Logger.Debug("send failed",
			zap.String("peer", sess.Peer().String()), zap.Error(err))
	}
}

func keyHex(k dht.Key) string {
	return hex.EncodeToString(k[:])
}
