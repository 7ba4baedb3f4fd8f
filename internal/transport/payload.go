package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/identity"
	"PrivateBilling/internal/types"
)

// Reason codes carried by Error messages.
const (
	ReasonBadBatch        = "bad_batch"        // batch does not decode or its digest differs from the claim
	ReasonEngineFailure   = "engine_failure"   // combination or partial decryption failed
	ReasonSessionConflict = "session_conflict" // session already processed with another batch
	ReasonNotCore         = "not_core"         // receiver holds no key share
	ReasonBadRequest      = "bad_request"      // message kind not accepted, or a frame over the size limit
)

// ErrUnexpectedKind is returned when a payload of one kind is read as another.
var ErrUnexpectedKind = errors.New("unexpected message kind")

// Payload is one of BatchSubmit, ShareReply or ErrorReply.
type Payload interface {
	Kind() Kind
	encode() ([]byte, error)
}

// NewMessage wraps a payload into a message.
func NewMessage(sessionID string, sender uint16, p Payload) (Message, error) {
	data, err := p.encode()
	if err != nil {
		return Message{}, fmt.Errorf("encode %s:\n%w", p.Kind(), err)
	}

	return Message{SessionID: sessionID, Sender: sender, Kind: p.Kind(), Payload: data}, nil
}

// ParsePayload decodes the payload of m according to its kind.
func ParsePayload(m Message) (Payload, error) {
	switch m.Kind {
	case KindBatchSubmit:
		return DecodeBatchSubmit(m.Payload)
	case KindShareReply:
		return DecodeShareReply(m.Payload)
	case KindError:
		return DecodeErrorReply(m.Payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedKind, m.Kind)
	}
}

// SlotCiphertext is one serialized ciphertext tagged with its logical slot.
type SlotCiphertext struct {
	Slot string // Slot names the party or time bucket
	Data []byte // Data is the serialized ciphertext
}

// BatchSubmit carries a session's ciphertext batch to a Core.
type BatchSubmit struct {
	Descriptor  fhe.Descriptor   // Descriptor is the aggregation to apply
	Ciphertexts []SlotCiphertext // Ciphertexts is the batch in combination order
	Digest      fhe.Digest       // Digest is the Edge's digest of the combined ciphertext
}

// Kind returns KindBatchSubmit.
func (b *BatchSubmit) Kind() Kind { return KindBatchSubmit }

func (b *BatchSubmit) encode() ([]byte, error) {
	size := 256 + 8*len(b.Descriptor.Weights)
	for _, c := range b.Ciphertexts {
		size += len(c.Data) + len(c.Slot) + 16
	}

	builder := flatbuffers.NewBuilder(size)

	cts := make([]flatbuffers.UOffsetT, len(b.Ciphertexts))
	for i, c := range b.Ciphertexts {
		data := builder.CreateByteVector(c.Data)
		slot := builder.CreateString(c.Slot)

		types.SlotCiphertextStart(builder)
		types.SlotCiphertextAddSlot(builder, slot)
		types.SlotCiphertextAddData(builder, data)
		cts[i] = types.SlotCiphertextEnd(builder)
	}

	types.BatchSubmitStartCiphertextsVector(builder, len(cts))
	for i := len(cts) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(cts[i])
	}
	ctsVec := builder.EndVector(len(cts))

	types.BatchSubmitStartWeightsVector(builder, len(b.Descriptor.Weights))
	for i := len(b.Descriptor.Weights) - 1; i >= 0; i-- {
		builder.PrependUint64(b.Descriptor.Weights[i])
	}
	weightsVec := builder.EndVector(len(b.Descriptor.Weights))

	digestVec := builder.CreateByteVector(b.Digest[:])
	function := builder.CreateString(string(b.Descriptor.Function))

	types.BatchSubmitStart(builder)
	types.BatchSubmitAddFunction(builder, function)
	types.BatchSubmitAddWeights(builder, weightsVec)
	types.BatchSubmitAddWidth(builder, uint32(b.Descriptor.Width))
	types.BatchSubmitAddCycle(builder, b.Descriptor.Cycle)
	types.BatchSubmitAddDigest(builder, digestVec)
	types.BatchSubmitAddCiphertexts(builder, ctsVec)
	builder.Finish(types.BatchSubmitEnd(builder))

	return builder.FinishedBytes(), nil
}

// DecodeBatchSubmit parses a BatchSubmit payload.
func DecodeBatchSubmit(data []byte) (b *BatchSubmit, err error) {
	if len(data) < flatbuffers.SizeUOffsetT+flatbuffers.SizeSOffsetT {
		return nil, fmt.Errorf("%w: batch of %d bytes", ErrMalformedMessage, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("%w: batch: %v", ErrMalformedMessage, r)
		}
	}()

	fb := types.GetRootAsBatchSubmit(data, 0)

	if fb.DigestLength() != fhe.DigestSize {
		return nil, fmt.Errorf("%w: digest of %d bytes", ErrMalformedMessage, fb.DigestLength())
	}

	if n := fb.CiphertextsLength(); n > fhe.MaxBatch {
		return nil, fmt.Errorf("%w: %d ciphertexts exceed %d", ErrMalformedMessage, n, fhe.MaxBatch)
	}

	b = &BatchSubmit{
		Descriptor: fhe.Descriptor{
			Function: fhe.Function(fb.Function()),
			Width:    int(fb.Width()),
			Cycle:    fb.Cycle(),
		},
		Ciphertexts: make([]SlotCiphertext, fb.CiphertextsLength()),
	}
	copy(b.Digest[:], fb.DigestBytes())

	if n := fb.WeightsLength(); n > 0 {
		b.Descriptor.Weights = make([]uint64, n)
		for i := range b.Descriptor.Weights {
			b.Descriptor.Weights[i] = fb.Weights(i)
		}
	}

	var ct types.SlotCiphertext
	for i := range b.Ciphertexts {
		fb.Ciphertexts(&ct, i)
		b.Ciphertexts[i] = SlotCiphertext{Slot: string(ct.Slot()), Data: ct.DataBytes()}
	}

	return b, nil
}

// shareReplyHeader is the fixed part of an encoded ShareReply.
const shareReplyHeader = 2 + fhe.DigestSize + 2*identity.BLSSignatureSize + 4

// ShareReply carries one Core's partial decryption share and its attestation.
type ShareReply struct {
	CoreIndex   int        // CoreIndex is the replying Core
	Digest      fhe.Digest // Digest is the Core's digest of the combined ciphertext
	Share       []byte     // Share is the serialized partial decryption
	Attestation []byte     // Attestation is the Core's BLS signature over (session, digest)
	Signature   []byte     // Signature is the Core's BLS signature over (session, digest, share)
}

// Kind returns KindShareReply.
func (r *ShareReply) Kind() Kind { return KindShareReply }

// Format: [2B core index] [32B digest] [96B attestation] [96B share signature] [4B share length] [share]
func (r *ShareReply) encode() ([]byte, error) {
	if r.CoreIndex < 0 || r.CoreIndex >= fhe.MaxCores {
		return nil, fmt.Errorf("core index %d out of range", r.CoreIndex)
	}

	if len(r.Attestation) != identity.BLSSignatureSize {
		return nil, fmt.Errorf("attestation of %d bytes, want %d", len(r.Attestation), identity.BLSSignatureSize)
	}

	if len(r.Signature) != identity.BLSSignatureSize {
		return nil, fmt.Errorf("share signature of %d bytes, want %d", len(r.Signature), identity.BLSSignatureSize)
	}

	buf := make([]byte, shareReplyHeader+len(r.Share))
	binary.BigEndian.PutUint16(buf[0:2], uint16(r.CoreIndex))
	copy(buf[2:34], r.Digest[:])
	copy(buf[34:130], r.Attestation)
	copy(buf[130:226], r.Signature)
	binary.BigEndian.PutUint32(buf[226:230], uint32(len(r.Share)))
	copy(buf[shareReplyHeader:], r.Share)

	return buf, nil
}

// DecodeShareReply parses a ShareReply payload.
func DecodeShareReply(data []byte) (*ShareReply, error) {
	if len(data) < shareReplyHeader {
		return nil, fmt.Errorf("%w: share reply too short: %d < %d", ErrMalformedMessage, len(data), shareReplyHeader)
	}

	shareLen := int(binary.BigEndian.Uint32(data[226:230]))
	if len(data) != shareReplyHeader+shareLen {
		return nil, fmt.Errorf("%w: share length %d does not match %d bytes", ErrMalformedMessage, shareLen, len(data)-shareReplyHeader)
	}

	r := &ShareReply{
		CoreIndex:   int(binary.BigEndian.Uint16(data[0:2])),
		Attestation: make([]byte, identity.BLSSignatureSize),
		Signature:   make([]byte, identity.BLSSignatureSize),
		Share:       make([]byte, shareLen),
	}
	copy(r.Digest[:], data[2:34])
	copy(r.Attestation, data[34:130])
	copy(r.Signature, data[130:226])
	copy(r.Share, data[shareReplyHeader:])

	return r, nil
}

// ErrorReply reports a Core-side failure. The Edge treats it as a missing share.
type ErrorReply struct {
	Reason string // Reason is one of the Reason codes
	Detail string // Detail is free-form context for logs
}

// Kind returns KindError.
func (e *ErrorReply) Kind() Kind { return KindError }

// Format: [2B reason length] [reason] [detail]
func (e *ErrorReply) encode() ([]byte, error) {
	if len(e.Reason) > 0xffff {
		return nil, fmt.Errorf("reason too long")
	}

	buf := make([]byte, 2+len(e.Reason)+len(e.Detail))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(e.Reason)))
	copy(buf[2:], e.Reason)
	copy(buf[2+len(e.Reason):], e.Detail)

	return buf, nil
}

// DecodeErrorReply parses an ErrorReply payload.
func DecodeErrorReply(data []byte) (*ErrorReply, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: error reply too short", ErrMalformedMessage)
	}

	n := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+n {
		return nil, fmt.Errorf("%w: reason truncated", ErrMalformedMessage)
	}

	return &ErrorReply{Reason: string(data[2 : 2+n]), Detail: string(data[2+n:])}, nil
}

// Error implements error so replies can be returned and logged directly.
func (e *ErrorReply) Error() string {
	if e.Detail == "" {
		return e.Reason
	}

	return e.Reason + ": " + e.Detail
}
