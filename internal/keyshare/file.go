package keyshare

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"PrivateBilling/internal/fhe"
)

// ClusterFile is the TOML bootstrap description of a cluster.
type ClusterFile struct {
	Parameters string      `toml:"parameters"`     // Parameters names the FHE parameter set
	Threshold  int         `toml:"threshold"`      // Threshold is t
	PublicKey  string      `toml:"public_key"`     // PublicKey is the key file path, relative to the cluster file
	Edge       *EdgeEntry  `toml:"edge,omitempty"` // Edge pins the Edge identity on the Cores
	Cores      []CoreEntry `toml:"cores"`          // Cores lists every Core
}

// EdgeEntry describes the Edge in a cluster file.
type EdgeEntry struct {
	Identity string `toml:"identity"` // Identity is the hex ed25519 public key
}

// CoreEntry describes one Core in a cluster file.
type CoreEntry struct {
	Index       int    `toml:"index"`       // Index is the Core index
	Address     string `toml:"address"`     // Address is the QUIC address
	Identity    string `toml:"identity"`    // Identity is the hex ed25519 public key
	Attestation string `toml:"attestation"` // Attestation is the hex BLS public key
}

// LoadOptions selects which process the directory is loaded for.
type LoadOptions struct {
	Role        Role               // Role is this process's role
	Index       int                // Index is this Core's index
	SharePath   string             // SharePath is this Core's key share file
	IdentityKey ed25519.PrivateKey // IdentityKey is checked against the Core's directory entry
}

// ReadClusterFile parses a cluster file and rejects unknown keys.
func ReadClusterFile(path string) (*ClusterFile, error) {
	var cf ClusterFile

	md, err := toml.DecodeFile(path, &cf)
	if err != nil {
		return nil, fmt.Errorf("parse cluster file %s:\n%w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("cluster file %s: unknown keys %v", path, undecoded)
	}

	return &cf, nil
}

// WriteClusterFile writes cf as TOML.
func WriteClusterFile(path string, cf *ClusterFile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create cluster file:\n%w", err)
	}

	if err := toml.NewEncoder(f).Encode(cf); err != nil {
		f.Close()
		return fmt.Errorf("encode cluster file:\n%w", err)
	}

	return f.Close()
}

// Load reads a cluster file, the public key it references and, for a Core,
// the Core's key share, and builds the Directory.
func Load(path string, opts LoadOptions) (*Directory, error) {
	cf, err := ReadClusterFile(path)
	if err != nil {
		return nil, err
	}

	params, err := fhe.NewParameters(cf.Parameters)
	if err != nil {
		return nil, err
	}

	pkPath := resolve(path, cf.PublicKey)

	pkData, err := os.ReadFile(pkPath)
	if err != nil {
		return nil, fmt.Errorf("read public key:\n%w", err)
	}

	pk, err := fhe.UnmarshalPublicKey(params, pkData)
	if err != nil {
		return nil, err
	}

	cores, err := cf.identities()
	if err != nil {
		return nil, err
	}

	cfg := Config{
		Parameters: params,
		PublicKey:  pk,
		Threshold:  cf.Threshold,
		Cores:      cores,
		Self:       NodeIdentity{Role: opts.Role, Index: opts.Index},
	}

	if opts.IdentityKey != nil {
		cfg.Self.PublicKey = opts.IdentityKey.Public().(ed25519.PublicKey)
	}

	if cf.Edge != nil {
		cfg.EdgeKey, err = decodeKey(cf.Edge.Identity, ed25519.PublicKeySize)
		if err != nil {
			return nil, fmt.Errorf("edge identity:\n%w", err)
		}
	}

	if opts.Role == RoleCore {
		cfg.Share, err = loadShare(params, opts.SharePath)
		if err != nil {
			return nil, err
		}

		if c, ok := cfg.coreAt(opts.Index); ok {
			cfg.Self.Address = c.Address
			cfg.Self.AttestationKey = c.AttestationKey
		}
	}

	return New(cfg)
}

// identities converts the Core entries.
func (cf *ClusterFile) identities() ([]NodeIdentity, error) {
	cores := make([]NodeIdentity, 0, len(cf.Cores))

	for _, c := range cf.Cores {
		pub, err := decodeKey(c.Identity, ed25519.PublicKeySize)
		if err != nil {
			return nil, fmt.Errorf("core %d identity:\n%w", c.Index, err)
		}

		att, err := decodeKey(c.Attestation, 0)
		if err != nil {
			return nil, fmt.Errorf("core %d attestation key:\n%w", c.Index, err)
		}

		if c.Address == "" {
			return nil, fmt.Errorf("core %d has no address", c.Index)
		}

		cores = append(cores, NodeIdentity{
			Role:           RoleCore,
			Index:          c.Index,
			Address:        c.Address,
			PublicKey:      pub,
			AttestationKey: att,
		})
	}

	return cores, nil
}

// coreAt finds a Core entry by index before the Directory exists.
func (cfg *Config) coreAt(index int) (NodeIdentity, bool) {
	for _, c := range cfg.Cores {
		if c.Index == index {
			return c, true
		}
	}

	return NodeIdentity{}, false
}

// loadShare reads a Core's key share file.
func loadShare(params fhe.Parameters, path string) (*fhe.KeyShare, error) {
	if path == "" {
		return nil, fmt.Errorf("a core requires a key share file")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key share:\n%w", err)
	}

	return fhe.UnmarshalKeyShare(params, data)
}

// decodeKey parses a hex key and checks its size when size > 0.
func decodeKey(s string, size int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}

	if size > 0 && len(b) != size {
		return nil, fmt.Errorf("key size %d, want %d", len(b), size)
	}

	return b, nil
}

// resolve interprets p relative to the directory of the cluster file.
func resolve(clusterPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(filepath.Dir(clusterPath), p)
}
