package keyshare

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/identity"
)

const (
	// ClusterFileName is the cluster file written by Bundle.Write.
	ClusterFileName = "cluster.toml"

	// PublicKeyFileName is the public key file written by Bundle.Write.
	PublicKeyFileName = "public.key"

	// EdgeKeyFileName is the Edge identity key written by Bundle.Write.
	EdgeKeyFileName = "edge.key"
)

// ShareFileName returns the key share file name of Core i.
func ShareFileName(i int) string {
	return fmt.Sprintf("core-%d.share", i)
}

// CoreKeyFileName returns the identity key file name of Core i.
func CoreKeyFileName(i int) string {
	return fmt.Sprintf("core-%d.key", i)
}

// Bundle is the output of the trusted dealer: every secret a cluster needs.
type Bundle struct {
	Parameters fhe.Parameters       // Parameters is the FHE parameter set
	Threshold  int                  // Threshold is t
	PublicKey  *fhe.PublicKey       // PublicKey is the public aggregation key
	Shares     []*fhe.KeyShare      // Shares holds one key share per Core
	CoreKeys   []ed25519.PrivateKey // CoreKeys holds one identity key per Core
	EdgeKey    ed25519.PrivateKey   // EdgeKey is the Edge identity key
	Addresses  []string             // Addresses holds one QUIC address per Core
}

// Generate deals keys and identities for len(addresses) Cores with threshold t.
func Generate(params fhe.Parameters, t int, addresses []string) (*Bundle, error) {
	n := len(addresses)

	pk, shares, err := fhe.Deal(params, n, t)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		Parameters: params,
		Threshold:  t,
		PublicKey:  pk,
		Shares:     shares,
		CoreKeys:   make([]ed25519.PrivateKey, n),
		Addresses:  append([]string(nil), addresses...),
	}

	for i := range b.CoreKeys {
		if b.CoreKeys[i], err = identity.GenerateKey(); err != nil {
			return nil, err
		}
	}

	if b.EdgeKey, err = identity.GenerateKey(); err != nil {
		return nil, err
	}

	return b, nil
}

// identities builds the public Core table.
func (b *Bundle) identities() ([]NodeIdentity, error) {
	cores := make([]NodeIdentity, len(b.CoreKeys))

	for i, key := range b.CoreKeys {
		bls, err := identity.DeriveBLS(key)
		if err != nil {
			return nil, err
		}

		cores[i] = NodeIdentity{
			Role:           RoleCore,
			Index:          i,
			Address:        b.Addresses[i],
			PublicKey:      key.Public().(ed25519.PublicKey),
			AttestationKey: bls.PublicKeyBytes(),
		}
	}

	return cores, nil
}

// EdgeDirectory builds the Edge's directory.
func (b *Bundle) EdgeDirectory() (*Directory, error) {
	cores, err := b.identities()
	if err != nil {
		return nil, err
	}

	return New(Config{
		Parameters: b.Parameters,
		PublicKey:  b.PublicKey,
		Threshold:  b.Threshold,
		Cores:      cores,
		EdgeKey:    b.EdgeKey.Public().(ed25519.PublicKey),
		Self:       NodeIdentity{Role: RoleEdge, PublicKey: b.EdgeKey.Public().(ed25519.PublicKey)},
	})
}

// CoreDirectory builds Core i's directory.
func (b *Bundle) CoreDirectory(i int) (*Directory, error) {
	cores, err := b.identities()
	if err != nil {
		return nil, err
	}

	if i < 0 || i >= len(cores) {
		return nil, fmt.Errorf("core index %d outside [0, %d)", i, len(cores))
	}

	return New(Config{
		Parameters: b.Parameters,
		PublicKey:  b.PublicKey,
		Threshold:  b.Threshold,
		Cores:      cores,
		EdgeKey:    b.EdgeKey.Public().(ed25519.PublicKey),
		Self:       cores[i],
		Share:      b.Shares[i],
	})
}

// ClusterFile returns the public cluster description.
func (b *Bundle) ClusterFile() (*ClusterFile, error) {
	cores, err := b.identities()
	if err != nil {
		return nil, err
	}

	cf := &ClusterFile{
		Parameters: b.Parameters.Name(),
		Threshold:  b.Threshold,
		PublicKey:  PublicKeyFileName,
		Edge:       &EdgeEntry{Identity: hex.EncodeToString(b.EdgeKey.Public().(ed25519.PublicKey))},
		Cores:      make([]CoreEntry, len(cores)),
	}

	for i, c := range cores {
		cf.Cores[i] = CoreEntry{
			Index:       c.Index,
			Address:     c.Address,
			Identity:    hex.EncodeToString(c.PublicKey),
			Attestation: hex.EncodeToString(c.AttestationKey),
		}
	}

	return cf, nil
}

// Write stores the bundle in dir: the cluster file, the public key, the
// Edge key, and one share and identity key per Core. Secret files are 0600.
func (b *Bundle) Write(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create output directory:\n%w", err)
	}

	pk, err := b.PublicKey.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal public key:\n%w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, PublicKeyFileName), pk, 0644); err != nil {
		return fmt.Errorf("write public key:\n%w", err)
	}

	for i, share := range b.Shares {
		data, err := share.MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshal share %d:\n%w", i, err)
		}

		if err := os.WriteFile(filepath.Join(dir, ShareFileName(i)), data, 0600); err != nil {
			return fmt.Errorf("write share %d:\n%w", i, err)
		}

		if err := identity.SaveKey(filepath.Join(dir, CoreKeyFileName(i)), b.CoreKeys[i]); err != nil {
			return err
		}
	}

	if err := identity.SaveKey(filepath.Join(dir, EdgeKeyFileName), b.EdgeKey); err != nil {
		return err
	}

	cf, err := b.ClusterFile()
	if err != nil {
		return err
	}

	return WriteClusterFile(filepath.Join(dir, ClusterFileName), cf)
}
