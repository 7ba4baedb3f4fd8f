package identity

import (
	"bytes"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
)

// newTestBLS derives an attestation key from a fresh identity key.
func newTestBLS(t *testing.T) *BLSKeyPair {
	t.Helper()

	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	key, err := DeriveBLS(priv)
	if err != nil {
		t.Fatalf("derive bls: %v", err)
	}

	return key
}

// TestDeriveBLSDeterministic tests that the same identity gives the same attestation key.
func TestDeriveBLSDeterministic(t *testing.T) {
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	k1, _ := DeriveBLS(priv)
	k2, _ := DeriveBLS(priv)

	if !bytes.Equal(k1.PublicKeyBytes(), k2.PublicKeyBytes()) {
		t.Error("same identity should derive the same BLS key")
	}

	if !ValidPublicKey(k1.PublicKeyBytes()) {
		t.Error("derived public key should validate")
	}

	if _, err := DeriveBLS(ed25519.PrivateKey{1, 2, 3}); err == nil {
		t.Error("expected error for truncated key")
	}
}

// TestSignVerify tests signing and the rejection paths.
func TestSignVerify(t *testing.T) {
	key := newTestBLS(t)
	other := newTestBLS(t)

	msg := AttestationMessage("session-1", [32]byte{1})
	sig := key.Sign(msg)

	if len(sig) != BLSSignatureSize {
		t.Errorf("signature size: got %d, want %d", len(sig), BLSSignatureSize)
	}

	if !Verify(sig, msg, key.PublicKeyBytes()) {
		t.Error("valid signature should verify")
	}

	if Verify(sig, AttestationMessage("session-2", [32]byte{1}), key.PublicKeyBytes()) {
		t.Error("signature should not verify for another session")
	}

	if Verify(sig, AttestationMessage("session-1", [32]byte{2}), key.PublicKeyBytes()) {
		t.Error("signature should not verify for another digest")
	}

	if Verify(sig, msg, other.PublicKeyBytes()) {
		t.Error("signature should not verify with another key")
	}
}

// TestAttestationMessageFraming tests that id/digest boundaries cannot be shifted.
func TestAttestationMessageFraming(t *testing.T) {
	var d1, d2 [32]byte
	d2[0] = 'a'

	m1 := AttestationMessage("sa", d1)
	m2 := AttestationMessage("s", d2)

	if bytes.Equal(m1, m2) {
		t.Error("distinct (session, digest) pairs must not collide")
	}
}

// TestShareMessage tests that the share signature covers the share bytes.
func TestShareMessage(t *testing.T) {
	key := newTestBLS(t)
	digest := [32]byte{3}
	share := []byte("partial decryption")

	sig := key.Sign(ShareMessage("s", digest, share))

	if !Verify(sig, ShareMessage("s", digest, share), key.PublicKeyBytes()) {
		t.Error("valid share signature should verify")
	}

	altered := bytes.Clone(share)
	altered[0] ^= 0x01

	if Verify(sig, ShareMessage("s", digest, altered), key.PublicKeyBytes()) {
		t.Error("signature should not verify for altered share bytes")
	}

	if bytes.Equal(ShareMessage("s", digest, nil), AttestationMessage("s", digest)) {
		t.Error("share and attestation messages must not collide")
	}
}

// TestCertificate tests aggregation of attestations and certificate verification.
func TestCertificate(t *testing.T) {
	const n = 5

	keys := make([]*BLSKeyPair, n)
	pubs := make([][]byte, n)

	for i := range keys {
		keys[i] = newTestBLS(t)
		pubs[i] = keys[i].PublicKeyBytes()
	}

	digest := [32]byte{9, 9, 9}
	msg := AttestationMessage("s", digest)

	atts := []Attestation{
		{Index: 3, Signature: keys[3].Sign(msg)},
		{Index: 0, Signature: keys[0].Sign(msg)},
		{Index: 1, Signature: keys[1].Sign(msg)},
	}

	cert, err := NewCertificate("s", digest, n, atts)
	if err != nil {
		t.Fatalf("new certificate: %v", err)
	}

	got := ParseSignerBitmap(cert.Signers)
	want := []int{0, 1, 3}

	if len(got) != len(want) {
		t.Fatalf("signers: got %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("signer %d: got %d, want %d", i, got[i], want[i])
		}
	}

	if err := cert.Verify(pubs, 3); err != nil {
		t.Errorf("verify: %v", err)
	}

	if err := cert.Verify(pubs, 4); err == nil {
		t.Error("certificate with 3 signers should not satisfy 4")
	}

	cert.Digest[0] ^= 1
	if err := cert.Verify(pubs, 3); err == nil {
		t.Error("tampered digest should not verify")
	}
}

// TestCertificateDuplicate tests that a Core cannot attest twice.
func TestCertificateDuplicate(t *testing.T) {
	key := newTestBLS(t)
	sig := key.Sign(AttestationMessage("s", [32]byte{}))

	_, err := NewCertificate("s", [32]byte{}, 3, []Attestation{{Index: 1, Signature: sig}, {Index: 1, Signature: sig}})
	if err == nil {
		t.Error("expected duplicate attestation error")
	}
}

// TestSignerBitmap tests bitmap encoding round trips.
func TestSignerBitmap(t *testing.T) {
	bitmap := BuildSignerBitmap([]int{0, 7, 8, 19, 25}, 20)

	if len(bitmap) != 3 {
		t.Fatalf("bitmap length: got %d, want 3", len(bitmap))
	}

	got := ParseSignerBitmap(bitmap)
	want := []int{0, 7, 8, 19}

	if len(got) != len(want) {
		t.Fatalf("indices: got %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

// TestLoadOrGenerateKey tests key file creation and reload.
func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if info.Mode().Perm() != 0600 {
		t.Errorf("mode: got %v, want 0600", info.Mode().Perm())
	}

	second, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("reloaded key differs")
	}

	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := LoadOrGenerateKey(path); err == nil {
		t.Error("expected error for truncated key file")
	}
}
