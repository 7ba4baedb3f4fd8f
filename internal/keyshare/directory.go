package keyshare

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/identity"
)

// Role distinguishes the single Edge from the Core nodes.
type Role uint8

const (
	// RoleEdge mediates between data producers and the Core cluster.
	RoleEdge Role = iota

	// RoleCore holds a key share and computes partial decryptions.
	RoleCore
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleEdge:
		return "edge"
	case RoleCore:
		return "core"
	default:
		return fmt.Sprintf("role(%d)", r)
	}
}

// ParseRole parses "edge" or "core".
func ParseRole(s string) (Role, error) {
	switch s {
	case "edge":
		return RoleEdge, nil
	case "core":
		return RoleCore, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// NodeIdentity describes one node of the cluster.
type NodeIdentity struct {
	Role           Role              // Role is edge or core
	Index          int               // Index is the Core index in [0, n); 0 for the Edge
	Address        string            // Address is the QUIC address
	PublicKey      ed25519.PublicKey // PublicKey pins the node's TLS certificate
	AttestationKey []byte            // AttestationKey verifies the Core's share attestations
}

// Config is everything a Directory is built from.
type Config struct {
	Parameters fhe.Parameters    // Parameters is the cluster's FHE parameter set
	PublicKey  *fhe.PublicKey    // PublicKey is the public aggregation key
	Threshold  int               // Threshold is t
	Cores      []NodeIdentity    // Cores lists all n Cores, any order
	EdgeKey    ed25519.PublicKey // EdgeKey is the Edge's identity (optional)
	Self       NodeIdentity      // Self is this process's identity
	Share      *fhe.KeyShare     // Share is this Core's key share (nil on the Edge)
}

// Directory is the immutable cluster context shared by every component of
// a process. It is built once at startup and passed by pointer.
type Directory struct {
	params    fhe.Parameters
	publicKey *fhe.PublicKey
	threshold int
	cores     []NodeIdentity
	edgeKey   ed25519.PublicKey
	self      NodeIdentity
	share     *fhe.KeyShare
}

// New validates cfg and builds a Directory.
func New(cfg Config) (*Directory, error) {
	n := len(cfg.Cores)

	if n < 1 || n > fhe.MaxCores {
		return nil, fmt.Errorf("cluster size %d outside [1, %d]", n, fhe.MaxCores)
	}

	if cfg.Threshold < 1 || cfg.Threshold > n {
		return nil, fmt.Errorf("threshold %d outside [1, %d]", cfg.Threshold, n)
	}

	if cfg.PublicKey == nil {
		return nil, fmt.Errorf("public aggregation key is required")
	}

	cores, err := orderCores(cfg.Cores)
	if err != nil {
		return nil, err
	}

	if err := validateSelf(cfg, cores); err != nil {
		return nil, err
	}

	return &Directory{
		params:    cfg.Parameters,
		publicKey: cfg.PublicKey,
		threshold: cfg.Threshold,
		cores:     cores,
		edgeKey:   cfg.EdgeKey,
		self:      cfg.Self,
		share:     cfg.Share,
	}, nil
}

// orderCores sorts Cores by index and checks indices are dense and identities unique.
func orderCores(in []NodeIdentity) ([]NodeIdentity, error) {
	cores := make([]NodeIdentity, len(in))
	filled := make([]bool, len(in))
	seenKeys := make(map[string]int, len(in))

	for _, c := range in {
		if c.Index < 0 || c.Index >= len(in) {
			return nil, fmt.Errorf("core index %d outside [0, %d)", c.Index, len(in))
		}

		if filled[c.Index] {
			return nil, fmt.Errorf("core index %d listed twice", c.Index)
		}

		if len(c.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("core %d: invalid identity key", c.Index)
		}

		if !identity.ValidPublicKey(c.AttestationKey) {
			return nil, fmt.Errorf("core %d: invalid attestation key", c.Index)
		}

		keyHex := hex.EncodeToString(c.PublicKey)
		if other, ok := seenKeys[keyHex]; ok {
			return nil, fmt.Errorf("cores %d and %d share an identity", other, c.Index)
		}
		seenKeys[keyHex] = c.Index

		c.Role = RoleCore
		cores[c.Index] = c
		filled[c.Index] = true
	}

	return cores, nil
}

// validateSelf checks that a Core process matches its directory entry and holds its share.
func validateSelf(cfg Config, cores []NodeIdentity) error {
	if cfg.Self.Role != RoleCore {
		if cfg.Share != nil {
			return fmt.Errorf("the edge must not hold a key share")
		}
		return nil
	}

	idx := cfg.Self.Index
	if idx < 0 || idx >= len(cores) {
		return fmt.Errorf("own index %d outside cluster of %d", idx, len(cores))
	}

	if cfg.Share == nil {
		return fmt.Errorf("core %d has no key share", idx)
	}

	if cfg.Share.Index != idx {
		return fmt.Errorf("key share is bound to core %d, not %d", cfg.Share.Index, idx)
	}

	if cfg.Self.PublicKey != nil && !bytes.Equal(cfg.Self.PublicKey, cores[idx].PublicKey) {
		return fmt.Errorf("identity key does not match directory entry of core %d", idx)
	}

	return nil
}

// Parameters returns the FHE parameter set.
func (d *Directory) Parameters() fhe.Parameters {
	return d.params
}

// PublicKey returns the public aggregation key.
func (d *Directory) PublicKey() *fhe.PublicKey {
	return d.publicKey
}

// Threshold returns t.
func (d *Directory) Threshold() int {
	return d.threshold
}

// Size returns n.
func (d *Directory) Size() int {
	return len(d.cores)
}

// Cores returns a copy of the Core table ordered by index.
func (d *Directory) Cores() []NodeIdentity {
	out := make([]NodeIdentity, len(d.cores))
	copy(out, d.cores)
	return out
}

// Core returns the Core with the given index.
func (d *Directory) Core(index int) (NodeIdentity, bool) {
	if index < 0 || index >= len(d.cores) {
		return NodeIdentity{}, false
	}

	return d.cores[index], true
}

// CoreByKey returns the Core whose identity key is pub.
func (d *Directory) CoreByKey(pub ed25519.PublicKey) (NodeIdentity, bool) {
	for _, c := range d.cores {
		if bytes.Equal(c.PublicKey, pub) {
			return c, true
		}
	}

	return NodeIdentity{}, false
}

// AttestationKeys returns the Cores' attestation keys indexed by Core index.
func (d *Directory) AttestationKeys() [][]byte {
	keys := make([][]byte, len(d.cores))
	for i, c := range d.cores {
		keys[i] = c.AttestationKey
	}

	return keys
}

// EdgeKey returns the Edge identity, or nil when any client may connect.
func (d *Directory) EdgeKey() ed25519.PublicKey {
	return d.edgeKey
}

// Self returns this process's identity.
func (d *Directory) Self() NodeIdentity {
	return d.self
}

// Share returns this Core's key share, nil on the Edge.
func (d *Directory) Share() *fhe.KeyShare {
	return d.share
}

// NewEngine builds an engine bound to this cluster.
func (d *Directory) NewEngine() (*fhe.Engine, error) {
	return fhe.NewEngine(d.params, d.publicKey, len(d.cores))
}
