package api

import (
	"encoding/hex"
	"fmt"

	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/session"
)

// SubmitResponse is the body of a 202 on POST /sessions.
type SubmitResponse struct {
	SessionID string `json:"session_id"`
}

// ErrorResponse is the body of every error status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SessionResponse is the body of GET /sessions/{id}.
type SessionResponse struct {
	SessionID   string           `json:"session_id"`
	State       string           `json:"state"`
	Digest      string           `json:"digest"`
	Result      []uint64         `json:"result,omitempty"`
	Used        []int            `json:"used,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Retryable   bool             `json:"retryable,omitempty"`
	Certificate *CertificateJSON `json:"certificate,omitempty"`
}

// CertificateJSON is a certificate with hex digest and base64 bytes.
type CertificateJSON struct {
	SessionID string `json:"session_id"`
	Digest    string `json:"digest"`
	Signers   []byte `json:"signers"`
	Signature []byte `json:"signature"`
	Indices   []int  `json:"signer_indices"`
}

// ClusterInfo is the body of GET /cluster.
type ClusterInfo struct {
	ParameterSet    string   `json:"parameter_set"`
	Cores           int      `json:"cores"`
	Threshold       int      `json:"threshold"`
	AttestationKeys []string `json:"attestation_keys"` // AttestationKeys holds hex BLS keys by Core index
}

// newSessionResponse converts a session snapshot.
func newSessionResponse(snap session.Snapshot) SessionResponse {
	resp := SessionResponse{
		SessionID: snap.ID,
		State:     snap.State.String(),
		Digest:    snap.Digest.String(),
		Reason:    string(snap.Reason),
		Retryable: snap.Retryable(),
	}

	if snap.Result != nil {
		resp.Result = snap.Result.Values
		resp.Used = snap.Result.Used

		if c := snap.Result.Certificate; c != nil {
			resp.Certificate = &CertificateJSON{
				SessionID: c.SessionID,
				Digest:    hex.EncodeToString(c.Digest[:]),
				Signers:   c.Signers,
				Signature: c.Signature,
				Indices:   identity.ParseSignerBitmap(c.Signers),
			}
		}
	}

	return resp
}

// Certificate converts back to a verifiable certificate.
func (c *CertificateJSON) Certificate() (*identity.Certificate, error) {
	digest, err := hex.DecodeString(c.Digest)
	if err != nil || len(digest) != 32 {
		return nil, fmt.Errorf("certificate digest %q is not 32 hex bytes", c.Digest)
	}

	cert := &identity.Certificate{
		SessionID: c.SessionID,
		Signers:   c.Signers,
		Signature: c.Signature,
	}
	copy(cert.Digest[:], digest)

	return cert, nil
}

// NewClusterInfo describes a cluster from its attestation keys.
func NewClusterInfo(parameterSet string, threshold int, attestationKeys [][]byte) ClusterInfo {
	keys := make([]string, len(attestationKeys))
	for i, k := range attestationKeys {
		keys[i] = hex.EncodeToString(k)
	}

	return ClusterInfo{
		ParameterSet:    parameterSet,
		Cores:           len(attestationKeys),
		Threshold:       threshold,
		AttestationKeys: keys,
	}
}

// Keys decodes the attestation keys.
func (c ClusterInfo) Keys() ([][]byte, error) {
	out := make([][]byte, len(c.AttestationKeys))
	for i, k := range c.AttestationKeys {
		b, err := hex.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("attestation key %d:\n%w", i, err)
		}
		out[i] = b
	}

	return out, nil
}
