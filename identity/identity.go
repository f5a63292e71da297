package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/curve25519"
)

// PeerID is the SHA-256 of a node's Ed25519 public key. It doubles as the
// node's coordinate in the discovery overlay.
type PeerID [32]byte

func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// PeerIDFromKey derives the PeerID for an Ed25519 public key.
func PeerIDFromKey(pub []byte) PeerID {
	return sha256.Sum256(pub)
}

// ParsePeerID decodes the hex text form.
func ParsePeerID(s string) (PeerID, error) {
	var p PeerID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return p, err
	}
	if len(raw) != len(p) {
		return p, fmt.Errorf("peer id must be %d bytes, got %d", len(p), len(raw))
	}
	copy(p[:], raw)
	return p, nil
}

// Keyring is the cryptographic capability the rest of the node depends on.
// Keeping it narrow lets the backend be swapped per deployment.
type Keyring interface {
	Sign(msg []byte) []byte
	Verify(pub, msg, sig []byte) bool
	Hash(data []byte) [32]byte
	PublicKey() []byte
}

// Identity carries the long-term Ed25519 signing pair and the X25519 pair
// used to authenticate transport handshakes.
type Identity struct {
	SignPriv ed25519.PrivateKey
	SignPub  ed25519.PublicKey
	DHPriv   [32]byte
	DHPub    [32]byte
}

var _ Keyring = (*Identity)(nil)

// New generates fresh key material.
func New() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	var dhPriv [32]byte
	if _, err := rand.Read(dhPriv[:]); err != nil {
		return nil, err
	}
	dhPriv[0] &= 248
	dhPriv[31] &= 127
	dhPriv[31] |= 64

	var dhPub [32]byte
	curve25519.ScalarBaseMult(&dhPub, &dhPriv)

	return &Identity{SignPriv: priv, SignPub: pub, DHPriv: dhPriv, DHPub: dhPub}, nil
}

func (id *Identity) PeerID() PeerID {
	return PeerIDFromKey(id.SignPub)
}

func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.SignPriv, msg)
}

func (id *Identity) Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func (id *Identity) Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func (id *Identity) PublicKey() []byte {
	return append([]byte(nil), id.SignPub...)
}

type keyFile struct {
	SignPriv []byte `json:"sign_priv"`
	DHPriv   []byte `json:"dh_priv"`
}

// Save writes the key material to path with owner-only permissions.
func (id *Identity) Save(path string) error {
	data, err := json.Marshal(keyFile{
		SignPriv: id.SignPriv,
		DHPriv:   id.DHPriv[:],
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Load reads key material from path. Corrupt key material is an error the
// caller must treat as fatal.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("corrupt key file %s: %w", path, err)
	}
	if len(kf.SignPriv) != ed25519.PrivateKeySize || len(kf.DHPriv) != 32 {
		return nil, errors.New("corrupt key file: bad key sizes")
	}

	id := &Identity{SignPriv: ed25519.PrivateKey(kf.SignPriv)}
	id.SignPub = id.SignPriv.Public().(ed25519.PublicKey)
	copy(id.DHPriv[:], kf.DHPriv)
	curve25519.ScalarBaseMult(&id.DHPub, &id.DHPriv)
	return id, nil
}

// LoadOrCreate loads an identity, generating and persisting one if absent.
func LoadOrCreate(path string) (*Identity, error) {
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err = New()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}
