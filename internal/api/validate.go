package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/session"
	"PrivateBilling/internal/transport"
)

// SubmitRequest is the body of POST /sessions.
type SubmitRequest struct {
	SessionID   string           `json:"session_id,omitempty"`
	Descriptor  DescriptorJSON   `json:"descriptor"`
	Ciphertexts []CiphertextJSON `json:"ciphertexts"`
}

// DescriptorJSON is the aggregation descriptor of a submission.
type DescriptorJSON struct {
	Function string   `json:"function"`
	Weights  []uint64 `json:"weights,omitempty"`
	Width    int      `json:"width"`
	Cycle    uint64   `json:"cycle,omitempty"`
}

// CiphertextJSON is one encrypted reading; Data is base64 in JSON.
type CiphertextJSON struct {
	Slot string `json:"slot"`
	Data []byte `json:"data"`
}

// ReadingRequest is the body of POST /cycles/{id}/readings.
type ReadingRequest struct {
	Slot string `json:"slot"`
	Data []byte `json:"data"`
}

// decodeBody parses a bounded JSON body, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("body larger than %d bytes", maxBodySize)
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty body")
		}
		return fmt.Errorf("invalid json: %v", err)
	}

	return nil
}

// submission validates the request shape and converts it.
// Cryptographic checks happen in the session manager.
func (req *SubmitRequest) submission() (session.Submission, error) {
	if err := validateID(req.SessionID, true); err != nil {
		return session.Submission{}, err
	}

	if len(req.Ciphertexts) == 0 {
		return session.Submission{}, fmt.Errorf("empty batch")
	}

	if len(req.Ciphertexts) > fhe.MaxBatch {
		return session.Submission{}, fmt.Errorf("batch of %d exceeds %d", len(req.Ciphertexts), fhe.MaxBatch)
	}

	cts := make([]transport.SlotCiphertext, len(req.Ciphertexts))
	for i, c := range req.Ciphertexts {
		if len(c.Data) == 0 {
			return session.Submission{}, fmt.Errorf("ciphertext %d is empty", i)
		}
		cts[i] = transport.SlotCiphertext{Slot: c.Slot, Data: c.Data}
	}

	return session.Submission{
		SessionID: req.SessionID,
		Descriptor: fhe.Descriptor{
			Function: fhe.Function(req.Descriptor.Function),
			Weights:  req.Descriptor.Weights,
			Width:    req.Descriptor.Width,
			Cycle:    req.Descriptor.Cycle,
		},
		Ciphertexts: cts,
	}, nil
}

// validate checks a cycle reading.
func (req *ReadingRequest) validate() error {
	if err := validateID(req.Slot, false); err != nil {
		return fmt.Errorf("slot: %w", err)
	}

	if len(req.Data) == 0 {
		return fmt.Errorf("empty reading")
	}

	return nil
}

// validateID checks a caller-chosen identifier.
func validateID(id string, optional bool) error {
	if id == "" {
		if optional {
			return nil
		}
		return fmt.Errorf("empty identifier")
	}

	if len(id) > session.MaxSessionIDLength {
		return fmt.Errorf("identifier longer than %d", session.MaxSessionIDLength)
	}

	if strings.ContainsFunc(id, func(r rune) bool { return r <= ' ' || r == '/' || r > '~' }) {
		return fmt.Errorf("identifier %q must be printable ascii without spaces or slashes", id)
	}

	return nil
}
