package transport

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"dagnet/identity"
	"dagnet/metrics"
)

var (
	// ErrSessionClosed is returned by Send once the session is dead.
	ErrSessionClosed = errors.New("session closed")
	// ErrFrameTooLarge closes the session; oversized input fails closed.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Session is a live authenticated channel to one peer. Outbound frames pass
// through a bounded queue; a full queue blocks the sender instead of growing.
// Inbound frames arrive FIFO on Receive and the stream cannot be restarted
// after an error, a fresh dial is required.
type Session struct {
	conn     net.Conn
	peer     identity.PeerID
	peerKey  []byte
	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD
	maxFrame int
	idle     time.Duration

	out  chan []byte
	in   chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newSession(conn net.Conn, peer identity.PeerID, peerKey []byte, keys sessionKeys, cfg Config) (*Session, error) {
	sendAEAD, err := chacha20poly1305.New(keys.send[:])
	if err != nil {
		return nil, err
	}
	recvAEAD, err := chacha20poly1305.New(keys.recv[:])
	if err != nil {
		return nil, err
	}

	qb := cfg.QueueBound
	if qb < 1 {
		qb = 1
	}
	s := &Session{
		conn:     conn,
		peer:     peer,
		peerKey:  peerKey,
		sendAEAD: sendAEAD,
		recvAEAD: recvAEAD,
		maxFrame: cfg.MaxFrameBytes,
		idle:     cfg.IdleTimeout,
		// The write loop holds one dequeued frame while it blocks in Write;
		// that frame counts against the bound, so the channel buffers one
		// less and a stalled session accepts exactly QueueBound sends.
		out:  make(chan []byte, qb-1),
		in:   make(chan []byte, qb),
		done: make(chan struct{}),
	}
	metrics.SessionsOpen.Inc()
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

// Peer returns the authenticated identity on the other end.
func (s *Session) Peer() identity.PeerID { return s.peer }

// PeerKey returns the peer's long-term public key.
func (s *Session) PeerKey() []byte { return s.peerKey }

// RemoteAddr is the underlying network address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Send queues payload for delivery. It blocks while the outbound queue is
// full, until ctx is done or the session closes.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if len(payload) > s.maxFrame {
		return ErrFrameTooLarge
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// Receive returns the inbound frame stream. The channel closes when the
// session dies; it cannot be restarted.
func (s *Session) Receive() <-chan []byte {
	return s.in
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session closed, nil for a clean local Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the session down and releases the connection.
func (s *Session) Close() error {
	s.closeWithErr(nil)
	return nil
}

func (s *Session) closeWithErr(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.conn.Close()
		metrics.SessionsOpen.Dec()
	})
}

// writeLoop drains the outbound queue, sealing and length-prefixing frames.
// Nonces are a per-direction counter; a session never reuses one.
func (s *Session) writeLoop() {
	var nonce uint64
	var nonceBuf [chacha20poly1305.NonceSize]byte
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.out:
			binary.BigEndian.PutUint64(nonceBuf[4:], nonce)
			nonce++
			sealed := s.sendAEAD.Seal(nil, nonceBuf[:], payload, nil)

			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
			s.conn.SetWriteDeadline(time.Now().Add(s.idle))
			if _, err := s.conn.Write(lenBuf[:]); err != nil {
				s.closeWithErr(err)
				return
			}
			if _, err := s.conn.Write(sealed); err != nil {
				s.closeWithErr(err)
				return
			}
			metrics.BytesOut.Add(float64(len(payload)))
		}
	}
}

// readLoop decodes frames off the wire. Any malformed or oversized frame is
// terminal. Delivery into the inbound channel blocks, so a slow consumer
// backpressures the peer through TCP rather than buffering without bound.
func (s *Session) readLoop() {
	defer close(s.in)
	var nonce uint64
	var nonceBuf [chacha20poly1305.NonceSize]byte
	var lenBuf [4]byte
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.idle))
		if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
			s.closeWithErr(err)
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if int(size) > s.maxFrame+s.recvAEAD.Overhead() {
			s.closeWithErr(ErrFrameTooLarge)
			return
		}
		sealed := make([]byte, size)
		if _, err := io.ReadFull(s.conn, sealed); err != nil {
			s.closeWithErr(err)
			return
		}

		binary.BigEndian.PutUint64(nonceBuf[4:], nonce)
		nonce++
		payload, err := s.recvAEAD.Open(nil, nonceBuf[:], sealed, nil)
		if err != nil {
			s.closeWithErr(fmt.Errorf("malformed frame: %w", err))
			return
		}
		metrics.BytesIn.Add(float64(len(payload)))

		select {
		case s.in <- payload:
		case <-s.done:
			return
		}
	}
}
