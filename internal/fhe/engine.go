package fhe

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/multiparty"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/zeebo/blake3"
)

// DigestSize is the size of an aggregate ciphertext digest.
const DigestSize = 32

// Digest fingerprints a combined ciphertext.
type Digest [DigestSize]byte

// String returns the hex form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 8 hex characters for log lines.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:4])
}

// MarshalText encodes the digest as hex.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a hex digest.
func (d *Digest) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != DigestSize {
		return fmt.Errorf("digest: got %d hex characters, want %d", len(text), 2*DigestSize)
	}

	_, err := hex.Decode(d[:], text)
	return err
}

// Ciphertext is an encrypted vector of readings. It is never mutated
// after creation; every operation returns a new Ciphertext.
type Ciphertext struct {
	value *rlwe.Ciphertext // value is the underlying BGV ciphertext
}

// PartialShare is one Core's partial decryption of a combined ciphertext.
type PartialShare struct {
	Index  int    // Index is the Core index that produced the share
	Digest Digest // Digest is the digest of the ciphertext the share was computed over
	Data   []byte // Data is the serialized key-switch share
}

// toolkit bundles the stateful lattigo objects that cannot be shared across goroutines.
type toolkit struct {
	encoder   *bgv.Encoder
	evaluator *bgv.Evaluator
}

// Engine performs the homomorphic operations of one cluster.
// It is safe for concurrent use.
type Engine struct {
	params      Parameters      // params is the BGV parameter set
	publicKey   *rlwe.PublicKey // publicKey encrypts readings (nil on engines that never encrypt)
	clusterSize int             // clusterSize is n, the number of Cores
	pool        sync.Pool       // pool recycles toolkits
}

// NewEngine creates an engine for a cluster of n Cores.
// pk may be nil when the engine is only used to combine and decrypt.
func NewEngine(params Parameters, pk *PublicKey, n int) (*Engine, error) {
	if n < 1 || n > MaxCores {
		return nil, fmt.Errorf("cluster size %d outside [1, %d]", n, MaxCores)
	}

	e := &Engine{params: params, clusterSize: n}
	if pk != nil {
		e.publicKey = pk.value
	}

	e.pool.New = func() any {
		return &toolkit{
			encoder:   bgv.NewEncoder(params.params),
			evaluator: bgv.NewEvaluator(params.params, nil),
		}
	}

	return e, nil
}

// Parameters returns the engine's parameter set.
func (e *Engine) Parameters() Parameters {
	return e.params
}

// ClusterSize returns n.
func (e *Engine) ClusterSize() int {
	return e.clusterSize
}

// acquire takes a toolkit from the pool.
func (e *Engine) acquire() *toolkit {
	return e.pool.Get().(*toolkit)
}

// release returns a toolkit to the pool.
func (e *Engine) release(tk *toolkit) {
	e.pool.Put(tk)
}

// Encrypt encodes values into the plaintext slots and encrypts them under
// the public aggregation key.
func (e *Engine) Encrypt(values []uint64) (*Ciphertext, error) {
	if e.publicKey == nil {
		return nil, fmt.Errorf("engine has no public key")
	}

	if len(values) == 0 || len(values) > e.params.Slots() {
		return nil, fmt.Errorf("%d values outside [1, %d]", len(values), e.params.Slots())
	}

	for i, v := range values {
		if v >= PlaintextModulus {
			return nil, fmt.Errorf("value %d at %d not below %d", v, i, PlaintextModulus)
		}
	}

	tk := e.acquire()
	defer e.release(tk)

	p := e.params.params
	pt := bgv.NewPlaintext(p, p.MaxLevel())

	if err := tk.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("encode:\n%w", err)
	}

	ct := bgv.NewCiphertext(p, 1, p.MaxLevel())
	if err := rlwe.NewEncryptor(p, e.publicKey).Encrypt(pt, ct); err != nil {
		return nil, fmt.Errorf("encrypt:\n%w", err)
	}

	return &Ciphertext{value: ct}, nil
}

// Add returns a + b.
func (e *Engine) Add(a, b *Ciphertext) (*Ciphertext, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("%w: nil operand", ErrInvalidCiphertext)
	}

	tk := e.acquire()
	defer e.release(tk)

	level := min(a.value.Level(), b.value.Level())
	out := bgv.NewCiphertext(e.params.params, 1, level)

	if err := tk.evaluator.Add(a.value, b.value, out); err != nil {
		return nil, fmt.Errorf("add:\n%w", err)
	}

	return &Ciphertext{value: out}, nil
}

// MulScalar returns k * ct for a plaintext scalar k below the plaintext modulus.
func (e *Engine) MulScalar(ct *Ciphertext, k uint64) (*Ciphertext, error) {
	if ct == nil {
		return nil, fmt.Errorf("%w: nil operand", ErrInvalidCiphertext)
	}

	if k >= PlaintextModulus {
		return nil, fmt.Errorf("scalar %d not below %d", k, PlaintextModulus)
	}

	out := ct.value.CopyNew()
	ringQ := e.params.params.RingQ().AtLevel(out.Level())

	for i := range out.Value {
		ringQ.MulScalar(out.Value[i], k, out.Value[i])
	}

	return &Ciphertext{value: out}, nil
}

// CombineBatch applies the descriptor and folds the batch left to right:
// ((w0*c0 + w1*c1) + w2*c2) + ... The order is part of the digest.
func (e *Engine) CombineBatch(batch []*Ciphertext, d Descriptor) (*Ciphertext, error) {
	if err := d.Validate(len(batch), e.params.Slots()); err != nil {
		return nil, err
	}

	weighted := batch
	if d.Function == FunctionWeightedSum {
		weighted = make([]*Ciphertext, len(batch))

		for i, ct := range batch {
			w, err := e.MulScalar(ct, d.Weights[i])
			if err != nil {
				return nil, fmt.Errorf("weight ciphertext %d:\n%w", i, err)
			}
			weighted[i] = w
		}
	}

	acc := weighted[0]
	if len(weighted) == 1 {
		return &Ciphertext{value: acc.value.CopyNew()}, nil
	}

	for i := 1; i < len(weighted); i++ {
		next, err := e.Add(acc, weighted[i])
		if err != nil {
			return nil, fmt.Errorf("fold ciphertext %d:\n%w", i, err)
		}
		acc = next
	}

	return acc, nil
}

// Digest returns the BLAKE3 digest of the canonical ciphertext bytes.
func (e *Engine) Digest(ct *Ciphertext) (Digest, error) {
	data, err := ct.MarshalBinary()
	if err != nil {
		return Digest{}, err
	}

	return Digest(blake3.Sum256(data)), nil
}

// PartialDecrypt computes this Core's share of the decryption of ct.
// The share is a key switch from the Core's Shamir share to the zero key,
// flooded with fresh noise; it reveals nothing without t-1 other shares.
func (e *Engine) PartialDecrypt(ct *Ciphertext, share *KeyShare) ([]byte, error) {
	if ct == nil || share == nil {
		return nil, fmt.Errorf("partial decrypt: nil argument")
	}

	p := e.params.params

	ks, err := multiparty.NewKeySwitchProtocol(p, smudging)
	if err != nil {
		return nil, fmt.Errorf("key switch protocol:\n%w", err)
	}

	skIn := &rlwe.SecretKey{Value: share.secret.Poly}
	skOut := rlwe.NewSecretKey(p)

	out := ks.AllocateShare(ct.value.Level())
	ks.GenShare(skIn, skOut, ct.value, &out)

	data, err := out.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal share:\n%w", err)
	}

	return data, nil
}

// Reconstruct decrypts ct from partial shares. It refuses with
// ErrInsufficientShares when fewer than t distinct Core indices are
// supplied, then validates the t lowest-index shares and fails with a
// *MalformedShareError naming the first invalid one. Only those t shares
// enter the combination.
func (e *Engine) Reconstruct(ct *Ciphertext, shares []PartialShare, t int) ([]uint64, error) {
	if ct == nil {
		return nil, fmt.Errorf("%w: nil ciphertext", ErrInvalidCiphertext)
	}

	if t < 1 || t > e.clusterSize {
		return nil, fmt.Errorf("threshold %d outside [1, %d]", t, e.clusterSize)
	}

	chosen := lowestDistinct(shares, t)
	if len(chosen) < t {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(chosen), t)
	}

	digest, err := e.Digest(ct)
	if err != nil {
		return nil, err
	}

	level := ct.value.Level()
	polys := make([]multiparty.KeySwitchShare, t)
	indices := make([]int, t)

	for i, s := range chosen {
		if s.Index < 0 || s.Index >= e.clusterSize {
			return nil, malformed(s.Index, "index outside cluster of %d", e.clusterSize)
		}

		if s.Digest != digest {
			return nil, malformed(s.Index, "digest %s does not match %s", s.Digest.Short(), digest.Short())
		}

		poly, err := e.decodeShare(s.Data, level)
		if err != nil {
			return nil, malformed(s.Index, "%v", err)
		}

		polys[i] = poly
		indices[i] = s.Index
	}

	return e.combine(ct, polys, indices)
}

// combine evaluates Δ·c0 + Σ (Δ·λ_i)·share_i over R_Q, decodes, and removes Δ mod T.
func (e *Engine) combine(ct *Ciphertext, polys []multiparty.KeySwitchShare, indices []int) ([]uint64, error) {
	p := e.params.params
	level := ct.value.Level()
	ringQ := p.RingQ().AtLevel(level)
	modulus := ringQ.Modulus()

	delta, coeffs, err := lagrangeCoefficients(indices, e.clusterSize)
	if err != nil {
		return nil, err
	}

	pt := bgv.NewPlaintext(p, level)
	*pt.MetaData = *ct.value.MetaData

	ringQ.MulScalarBigint(ct.value.Value[0], delta, pt.Value)

	tmp := ringQ.NewPoly()
	c := new(big.Int)

	for i := range polys {
		c.Mod(coeffs[i], modulus)
		ringQ.MulScalarBigint(polys[i].Value, c, tmp)
		ringQ.Add(pt.Value, tmp, pt.Value)
	}

	tk := e.acquire()
	defer e.release(tk)

	values := make([]uint64, e.params.Slots())
	if err := tk.encoder.Decode(pt, values); err != nil {
		return nil, fmt.Errorf("decode:\n%w", err)
	}

	T := p.PlaintextModulus()

	inv := new(big.Int).ModInverse(new(big.Int).Mod(delta, new(big.Int).SetUint64(T)), new(big.Int).SetUint64(T))
	if inv == nil {
		return nil, fmt.Errorf("cluster size %d has no inverse factorial modulo %d", e.clusterSize, T)
	}

	invDelta := inv.Uint64()
	for i, v := range values {
		values[i] = (v % T) * invDelta % T
	}

	return values, nil
}

// decodeShare parses a key-switch share and checks its level.
func (e *Engine) decodeShare(data []byte, level int) (share multiparty.KeySwitchShare, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode share: %v", r)
		}
	}()

	share = multiparty.KeySwitchShare{Value: e.params.params.RingQ().AtLevel(level).NewPoly()}

	if err := checkSize("share", len(data), share.BinarySize()); err != nil {
		return share, err
	}

	if err := share.UnmarshalBinary(data); err != nil {
		return share, fmt.Errorf("decode share: %w", err)
	}

	if share.Value.Level() != level {
		return share, fmt.Errorf("share level %d, ciphertext level %d", share.Value.Level(), level)
	}

	if share.Value.N() != e.params.params.N() {
		return share, fmt.Errorf("share degree %d, want %d", share.Value.N(), e.params.params.N())
	}

	return share, nil
}

// lowestDistinct returns up to t shares with distinct indices, lowest index first.
// For a repeated index the first occurrence wins.
func lowestDistinct(shares []PartialShare, t int) []PartialShare {
	seen := make(map[int]bool, len(shares))
	distinct := make([]PartialShare, 0, len(shares))

	for _, s := range shares {
		if seen[s.Index] {
			continue
		}
		seen[s.Index] = true
		distinct = append(distinct, s)
	}

	sort.SliceStable(distinct, func(i, j int) bool {
		return distinct[i].Index < distinct[j].Index
	})

	if len(distinct) > t {
		distinct = distinct[:t]
	}

	return distinct
}
