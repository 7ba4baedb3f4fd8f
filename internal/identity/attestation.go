package identity

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/zeebo/blake3"
)

// Domain tags separate the two signed message types from each other and from
// every other signed message.
const (
	attestationTag = "private-billing-attestation/1"
	shareTag       = "private-billing-share/1"
)

// AttestationMessage is what every Core signs for a session: it binds the
// session id to the digest of the aggregate the Core decrypted. All Cores
// sign the same bytes, so their signatures aggregate into one certificate.
func AttestationMessage(sessionID string, digest [32]byte) []byte {
	return sessionHash(attestationTag, sessionID, digest).Sum(nil)
}

// ShareMessage binds one Core's partial decryption bytes to the session and
// aggregate digest. It differs per Core and is never aggregated.
func ShareMessage(sessionID string, digest [32]byte, share []byte) []byte {
	h := sessionHash(shareTag, sessionID, digest)

	sum := blake3.Sum256(share)
	h.Write(sum[:])

	return h.Sum(nil)
}

// sessionHash starts a tagged hash over a length-prefixed session id and a digest.
func sessionHash(tag, sessionID string, digest [32]byte) *blake3.Hasher {
	h := blake3.New()
	h.Write([]byte(tag))

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sessionID)))
	h.Write(lenBuf[:])
	h.Write([]byte(sessionID))
	h.Write(digest[:])

	return h
}

// Certificate proves that a set of Cores attested the same aggregate digest.
type Certificate struct {
	SessionID string   // SessionID is the attested session
	Digest    [32]byte // Digest is the aggregate ciphertext digest
	Signers   []byte   // Signers is the bitmap of attesting Core indices
	Signature []byte   // Signature is the aggregated BLS signature
}

// Attestation is one Core's signature for a certificate.
type Attestation struct {
	Index     int    // Index is the Core index
	Signature []byte // Signature is the Core's BLS signature
}

// NewCertificate aggregates per-Core attestations for a session of n Cores.
func NewCertificate(sessionID string, digest [32]byte, n int, atts []Attestation) (*Certificate, error) {
	if len(atts) == 0 {
		return nil, fmt.Errorf("no attestations")
	}

	sorted := slices.Clone(atts)
	slices.SortFunc(sorted, func(a, b Attestation) int { return a.Index - b.Index })

	indices := make([]int, len(sorted))
	sigs := make([][]byte, len(sorted))

	for i, a := range sorted {
		if i > 0 && sorted[i-1].Index == a.Index {
			return nil, fmt.Errorf("duplicate attestation from core %d", a.Index)
		}

		indices[i] = a.Index
		sigs[i] = a.Signature
	}

	agg, err := AggregateSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate attestations:\n%w", err)
	}

	return &Certificate{
		SessionID: sessionID,
		Digest:    digest,
		Signers:   BuildSignerBitmap(indices, n),
		Signature: agg,
	}, nil
}

// Verify checks the certificate against the attestation keys indexed by Core
// index and requires at least minSigners distinct signers.
func (c *Certificate) Verify(keys [][]byte, minSigners int) error {
	signers := ParseSignerBitmap(c.Signers)
	if len(signers) < minSigners {
		return fmt.Errorf("certificate has %d signers, need %d", len(signers), minSigners)
	}

	pks := make([][]byte, len(signers))
	for i, idx := range signers {
		if idx >= len(keys) {
			return fmt.Errorf("signer %d outside cluster of %d", idx, len(keys))
		}
		pks[i] = keys[idx]
	}

	if !VerifyAggregated(c.Signature, AttestationMessage(c.SessionID, c.Digest), pks) {
		return fmt.Errorf("invalid aggregated signature")
	}

	return nil
}

// String returns a compact description for logs.
func (c *Certificate) String() string {
	return fmt.Sprintf("cert(session=%s digest=%s signers=%v)", c.SessionID, hex.EncodeToString(c.Digest[:4]), ParseSignerBitmap(c.Signers))
}
