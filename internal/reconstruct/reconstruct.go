// Package reconstruct turns t verified partial decryption shares into the
// cleartext billing result and a certificate of the attesting Cores.
package reconstruct

import (
	"fmt"
	"sort"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/transport"
)

// Result is a reconstructed aggregate.
type Result struct {
	Values      []uint64              // Values holds every plaintext slot
	Used        []int                 // Used lists the Core indices that entered the combination
	Certificate *identity.Certificate // Certificate aggregates the attestations of Used
}

// Reconstructor verifies shares and combines exactly t of them.
type Reconstructor struct {
	dir    *keyshare.Directory
	engine *fhe.Engine
}

// New creates a reconstructor for the cluster in dir.
func New(dir *keyshare.Directory, engine *fhe.Engine) *Reconstructor {
	return &Reconstructor{dir: dir, engine: engine}
}

// Threshold returns t.
func (r *Reconstructor) Threshold() int {
	return r.dir.Threshold()
}

// Verify checks that a share comes from a known Core, matches the session
// digest, and that both the attestation and the signature over the share
// bytes are from that Core's key.
// Failures are *fhe.MalformedShareError.
func (r *Reconstructor) Verify(sessionID string, digest fhe.Digest, s *transport.ShareReply) error {
	core, ok := r.dir.Core(s.CoreIndex)
	if !ok {
		return &fhe.MalformedShareError{Index: s.CoreIndex, Reason: "unknown core"}
	}

	if s.Digest != digest {
		return &fhe.MalformedShareError{
			Index:  s.CoreIndex,
			Reason: fmt.Sprintf("digest %s does not match session digest %s", s.Digest.Short(), digest.Short()),
		}
	}

	if !identity.Verify(s.Attestation, identity.AttestationMessage(sessionID, s.Digest), core.AttestationKey) {
		return &fhe.MalformedShareError{Index: s.CoreIndex, Reason: "invalid attestation"}
	}

	if len(s.Share) == 0 {
		return &fhe.MalformedShareError{Index: s.CoreIndex, Reason: "empty share"}
	}

	if !identity.Verify(s.Signature, identity.ShareMessage(sessionID, s.Digest, s.Share), core.AttestationKey) {
		return &fhe.MalformedShareError{Index: s.CoreIndex, Reason: "share bytes do not match their signature"}
	}

	return nil
}

// Reconstruct decrypts ct from the t lowest-index distinct shares. It fails
// with fhe.ErrInsufficientShares below t and with a *fhe.MalformedShareError
// naming the first invalid share among the chosen t; the caller may drop
// that share and try again with a substitute.
func (r *Reconstructor) Reconstruct(sessionID string, ct *fhe.Ciphertext, digest fhe.Digest, shares []*transport.ShareReply) (*Result, error) {
	t := r.dir.Threshold()

	chosen := lowest(shares, t)
	if len(chosen) < t {
		return nil, fmt.Errorf("%w: have %d, need %d", fhe.ErrInsufficientShares, len(chosen), t)
	}

	partials := make([]fhe.PartialShare, t)
	atts := make([]identity.Attestation, t)
	used := make([]int, t)

	for i, s := range chosen {
		if err := r.Verify(sessionID, digest, s); err != nil {
			return nil, err
		}

		partials[i] = fhe.PartialShare{Index: s.CoreIndex, Digest: s.Digest, Data: s.Share}
		atts[i] = identity.Attestation{Index: s.CoreIndex, Signature: s.Attestation}
		used[i] = s.CoreIndex
	}

	values, err := r.engine.Reconstruct(ct, partials, t)
	if err != nil {
		return nil, err
	}

	cert, err := identity.NewCertificate(sessionID, digest, r.dir.Size(), atts)
	if err != nil {
		return nil, fmt.Errorf("certificate:\n%w", err)
	}

	return &Result{Values: values, Used: used, Certificate: cert}, nil
}

// lowest returns up to t shares with distinct Core indices, lowest first.
func lowest(shares []*transport.ShareReply, t int) []*transport.ShareReply {
	seen := make(map[int]bool, len(shares))
	out := make([]*transport.ShareReply, 0, len(shares))

	for _, s := range shares {
		if s == nil || seen[s.CoreIndex] {
			continue
		}
		seen[s.CoreIndex] = true
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CoreIndex < out[j].CoreIndex })

	if len(out) > t {
		out = out[:t]
	}

	return out
}
