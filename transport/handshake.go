package transport

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"dagnet/identity"
)

const protoMagic = "dagnet/1"

// ErrAuth marks a handshake that failed authentication. Callers must treat
// the address as terminal rather than retrying.
var ErrAuth = errors.New("handshake authentication failed")

type sessionKeys struct {
	send [32]byte
	recv [32]byte
}

type handshakeResult struct {
	peer    identity.PeerID
	peerKey []byte
	keys    sessionKeys
}

// handshake runs the mutual-authentication exchange. Both sides contribute a
// fresh X25519 ephemeral and sign the transcript together with their static
// X25519 key using their long-term Ed25519 key. Key derivation folds three
// DH legs through HKDF in the X3DH pattern: ephemeral-ephemeral for forward
// secrecy plus one static-ephemeral leg per side, binding the session to both
// long-term DH keys.
//
// Initiator:            Responder:
//   -> magic || ephA
//                         <- magic || ephB
//                         <- signPubB || dhPubB || sigB(transcript || dhPubB)
//   -> signPubA || dhPubA || sigA(transcript || dhPubA)
func handshake(conn net.Conn, id *identity.Identity, initiator bool, timeout time.Duration) (handshakeResult, error) {
	var res handshakeResult
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	var ephPriv, ephPub [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return res, err
	}
	ephPriv[0] &= 248
	ephPriv[31] &= 127
	ephPriv[31] |= 64
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	var ephA, ephB [32]byte
	if initiator {
		ephA = ephPub
		if err := writeRecord(conn, append([]byte(protoMagic), ephPub[:]...)); err != nil {
			return res, err
		}
		hello, err := readRecord(conn)
		if err != nil {
			return res, err
		}
		if len(hello) != len(protoMagic)+32 || !bytes.HasPrefix(hello, []byte(protoMagic)) {
			return res, fmt.Errorf("%w: bad hello", ErrAuth)
		}
		copy(ephB[:], hello[len(protoMagic):])
	} else {
		hello, err := readRecord(conn)
		if err != nil {
			return res, err
		}
		if len(hello) != len(protoMagic)+32 || !bytes.HasPrefix(hello, []byte(protoMagic)) {
			return res, fmt.Errorf("%w: bad hello", ErrAuth)
		}
		copy(ephA[:], hello[len(protoMagic):])
		ephB = ephPub
		if err := writeRecord(conn, append([]byte(protoMagic), ephPub[:]...)); err != nil {
			return res, err
		}
	}

	transcript := make([]byte, 0, len(protoMagic)+64)
	transcript = append(transcript, protoMagic...)
	transcript = append(transcript, ephA[:]...)
	transcript = append(transcript, ephB[:]...)

	// The signature covers the static DH key so nobody on the path can swap
	// in their own.
	signed := append(append([]byte(nil), transcript...), id.DHPub[:]...)
	proof := append(id.PublicKey(), id.DHPub[:]...)
	proof = append(proof, id.Sign(signed)...)

	var peerProof []byte
	var err error
	if initiator {
		// Responder proves first, then we do.
		if peerProof, err = readRecord(conn); err != nil {
			return res, err
		}
		if err := writeRecord(conn, proof); err != nil {
			return res, err
		}
	} else {
		if err := writeRecord(conn, proof); err != nil {
			return res, err
		}
		if peerProof, err = readRecord(conn); err != nil {
			return res, err
		}
	}

	if len(peerProof) != 32+32+64 {
		return res, fmt.Errorf("%w: bad proof length", ErrAuth)
	}
	peerKey := peerProof[:32]
	var peerDH [32]byte
	copy(peerDH[:], peerProof[32:64])
	sig := peerProof[64:]
	peerSigned := append(append([]byte(nil), transcript...), peerDH[:]...)
	if !id.Verify(peerKey, peerSigned, sig) {
		return res, fmt.Errorf("%w: bad transcript signature", ErrAuth)
	}

	res.peer = identity.PeerIDFromKey(peerKey)
	res.peerKey = append([]byte(nil), peerKey...)
	if res.peer == id.PeerID() {
		return res, fmt.Errorf("%w: refusing connection to self", ErrAuth)
	}

	var remoteEph [32]byte
	if initiator {
		remoteEph = ephB
	} else {
		remoteEph = ephA
	}
	// s1 = DH(ephA, ephB), s2 = DH(staticA, ephB), s3 = DH(staticB, ephA);
	// both sides derive the same three points.
	s1, err := curve25519.X25519(ephPriv[:], remoteEph[:])
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	var s2, s3 []byte
	if initiator {
		if s2, err = curve25519.X25519(id.DHPriv[:], remoteEph[:]); err == nil {
			s3, err = curve25519.X25519(ephPriv[:], peerDH[:])
		}
	} else {
		if s2, err = curve25519.X25519(ephPriv[:], peerDH[:]); err == nil {
			s3, err = curve25519.X25519(id.DHPriv[:], remoteEph[:])
		}
	}
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	secret := append(append(s1, s2...), s3...)

	salt := sha256.Sum256(transcript)
	kdf := hkdf.New(sha256.New, secret, salt[:], []byte("dagnet session keys"))
	var k [64]byte
	if _, err := io.ReadFull(kdf, k[:]); err != nil {
		return res, err
	}
	// Initiator sends with the first half, receives with the second.
	if initiator {
		copy(res.keys.send[:], k[:32])
		copy(res.keys.recv[:], k[32:])
	} else {
		copy(res.keys.send[:], k[32:])
		copy(res.keys.recv[:], k[:32])
	}
	return res, nil
}

// Handshake records are plain uint16-length-prefixed blobs; encryption only
// begins once the session keys exist.
func writeRecord(conn net.Conn, data []byte) error {
	if len(data) > 1<<16-1 {
		return fmt.Errorf("handshake record too large: %d", len(data))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

func readRecord(conn net.Conn) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}
