package fhe

import (
	"encoding/binary"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/multiparty"
)

// PublicKey is the public aggregation key every data producer encrypts under.
type PublicKey struct {
	value *rlwe.PublicKey // value is the underlying RLWE public key
}

// MarshalBinary serializes the public key.
func (pk *PublicKey) MarshalBinary() ([]byte, error) {
	return pk.value.MarshalBinary()
}

// UnmarshalPublicKey parses a public key for the given parameters.
func UnmarshalPublicKey(params Parameters, data []byte) (pk *PublicKey, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode public key: %v", r)
		}
	}()

	value := rlwe.NewPublicKey(params.params)
	if err := checkSize("public key", len(data), value.BinarySize()); err != nil {
		return nil, err
	}

	if err := value.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode public key:\n%w", err)
	}

	return &PublicKey{value: value}, nil
}

// KeyShare is a Core's Shamir share of the master secret key, evaluated at
// point Index+1. It is loaded once and never leaves the Core process.
type KeyShare struct {
	Index  int                          // Index is the Core index the share is bound to
	secret multiparty.ShamirSecretShare // secret is the share polynomial
}

// MarshalBinary serializes the share.
// Format: [2B index][share polynomial]
func (s *KeyShare) MarshalBinary() ([]byte, error) {
	poly, err := s.secret.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal share polynomial:\n%w", err)
	}

	buf := make([]byte, 2+len(poly))
	binary.BigEndian.PutUint16(buf, uint16(s.Index))
	copy(buf[2:], poly)

	return buf, nil
}

// UnmarshalKeyShare parses a share for the given parameters.
func UnmarshalKeyShare(params Parameters, data []byte) (share *KeyShare, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode key share: %v", r)
		}
	}()

	if len(data) < 2 {
		return nil, fmt.Errorf("key share too short: %d bytes", len(data))
	}

	thr := multiparty.NewThresholdizer(params.params)
	secret := thr.AllocateThresholdSecretShare()

	if err := checkSize("key share", len(data)-2, secret.BinarySize()); err != nil {
		return nil, err
	}

	if err := secret.UnmarshalBinary(data[2:]); err != nil {
		return nil, fmt.Errorf("decode key share:\n%w", err)
	}

	return &KeyShare{
		Index:  int(binary.BigEndian.Uint16(data)),
		secret: secret,
	}, nil
}

// MarshalBinary serializes the ciphertext in its canonical form.
func (c *Ciphertext) MarshalBinary() ([]byte, error) {
	if c == nil || c.value == nil {
		return nil, fmt.Errorf("%w: nil ciphertext", ErrInvalidCiphertext)
	}

	data, err := c.value.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ciphertext:\n%w", err)
	}

	return data, nil
}

// Level returns the ciphertext level.
func (c *Ciphertext) Level() int {
	return c.value.Level()
}

// UnmarshalCiphertext parses a fresh degree-1 ciphertext at the top level.
func UnmarshalCiphertext(params Parameters, data []byte) (ct *Ciphertext, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidCiphertext, r)
		}
	}()

	p := params.params
	value := rlwe.NewCiphertext(p, 1, p.MaxLevel())

	if err := checkSize("ciphertext", len(data), value.BinarySize()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	if err := value.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	if value.Degree() != 1 {
		return nil, fmt.Errorf("%w: degree %d", ErrInvalidCiphertext, value.Degree())
	}

	if value.Level() != p.MaxLevel() {
		return nil, fmt.Errorf("%w: level %d, want %d", ErrInvalidCiphertext, value.Level(), p.MaxLevel())
	}

	if value.Value[0].N() != p.N() {
		return nil, fmt.Errorf("%w: ring degree %d, want %d", ErrInvalidCiphertext, value.Value[0].N(), p.N())
	}

	return &Ciphertext{value: value}, nil
}

// checkSize rejects encodings whose length differs from the fixed size the
// parameters imply. lattigo's decoders do not bound-check truncated input.
func checkSize(what string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s is %d bytes, want %d", what, got, want)
	}

	return nil
}
