package identity

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
)

func TestPeerIDDerivation(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}

	want := sha256.Sum256(id.SignPub)
	if id.PeerID() != PeerID(want) {
		t.Fatalf("peer id is not the hash of the signing key")
	}

	parsed, err := ParsePeerID(id.PeerID().String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id.PeerID() {
		t.Fatalf("string form did not round-trip")
	}
}

func TestParsePeerIDRejectsBadInput(t *testing.T) {
	if _, err := ParsePeerID("zz"); err == nil {
		t.Fatalf("expected error for non-hex input")
	}
	if _, err := ParsePeerID("abcd"); err == nil {
		t.Fatalf("expected error for short input")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	msg := []byte("payload under signature")
	sig := id.Sign(msg)
	if !id.Verify(id.PublicKey(), msg, sig) {
		t.Fatalf("valid signature rejected")
	}
	msg[0] ^= 1
	if id.Verify(id.PublicKey(), msg, sig) {
		t.Fatalf("tampered message accepted")
	}
	if id.Verify([]byte("short"), msg, sig) {
		t.Fatalf("malformed public key accepted")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	path := filepath.Join(t.TempDir(), "node.key")
	if err := id.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key file mode %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PeerID() != id.PeerID() {
		t.Fatalf("loaded identity has a different peer id")
	}
	if !bytes.Equal(loaded.SignPriv, id.SignPriv) {
		t.Fatalf("signing key did not round-trip")
	}
	if loaded.DHPub != id.DHPub {
		t.Fatalf("dh key did not round-trip")
	}
}

func TestLoadCorruptKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	if err := os.WriteFile(path, []byte("{\"sign_priv\":\"AAAA\"}"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for corrupt key file")
	}

	if err := os.WriteFile(path, []byte("not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unparseable key file")
	}
}

func TestLoadOrCreatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first.PeerID() != second.PeerID() {
		t.Fatalf("identity changed between runs")
	}
}
