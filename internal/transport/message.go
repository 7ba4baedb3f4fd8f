package transport

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"PrivateBilling/internal/network"
	"PrivateBilling/internal/types"
)

const (
	// compressThreshold is the payload size above which payloads are zstd-compressed.
	compressThreshold = 1024

	// EdgeSender is the sender field of messages originating at the Edge.
	EdgeSender uint16 = 0xffff
)

// ErrMalformedMessage is returned when a frame does not decode as an envelope.
var ErrMalformedMessage = errors.New("malformed message")

// Kind is the closed set of message kinds.
type Kind uint8

const (
	KindBatchSubmit Kind = Kind(types.MessageKindBatchSubmit)
	KindShareReply  Kind = Kind(types.MessageKindShareReply)
	KindError       Kind = Kind(types.MessageKindError)
)

// String returns the kind name.
func (k Kind) String() string {
	return types.MessageKind(k).String()
}

// valid reports whether k is one of the known kinds.
func (k Kind) valid() bool {
	return k <= KindError
}

// Message is one node-to-node message.
type Message struct {
	SessionID string // SessionID is the billing session
	Sender    uint16 // Sender is the Core index, or EdgeSender
	Kind      Kind   // Kind selects the payload type
	Payload   []byte // Payload is the encoded payload, uncompressed
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(network.DefaultMaxFrameSize), zstd.WithDecoderConcurrency(0))
)

// Encode serializes a message as an Envelope.
func Encode(m Message) ([]byte, error) {
	if !m.Kind.valid() {
		return nil, fmt.Errorf("unknown message kind %d", m.Kind)
	}

	payload := m.Payload
	compressed := false

	if len(payload) > compressThreshold {
		payload = encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		compressed = true
	}

	builder := flatbuffers.NewBuilder(len(payload) + len(m.SessionID) + 64)

	payloadVec := builder.CreateByteVector(payload)
	sessionStr := builder.CreateString(m.SessionID)

	types.EnvelopeStart(builder)
	types.EnvelopeAddSessionId(builder, sessionStr)
	types.EnvelopeAddSender(builder, m.Sender)
	types.EnvelopeAddKind(builder, types.MessageKind(m.Kind))
	types.EnvelopeAddPayload(builder, payloadVec)
	types.EnvelopeAddCompressed(builder, compressed)
	builder.Finish(types.EnvelopeEnd(builder))

	return builder.FinishedBytes(), nil
}

// Decode parses an Envelope. Foreign bytes return ErrMalformedMessage.
func Decode(data []byte) (m Message, err error) {
	if len(data) < flatbuffers.SizeUOffsetT+flatbuffers.SizeSOffsetT {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMalformedMessage, len(data))
	}

	// Out-of-range offsets in a forged buffer panic inside the accessors.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedMessage, r)
		}
	}()

	env := types.GetRootAsEnvelope(data, 0)

	m = Message{
		SessionID: string(env.SessionId()),
		Sender:    env.Sender(),
		Kind:      Kind(env.Kind()),
		Payload:   env.PayloadBytes(),
	}

	if !m.Kind.valid() {
		return Message{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, m.Kind)
	}

	if env.Compressed() {
		m.Payload, err = decoder.DecodeAll(m.Payload, nil)
		if err != nil {
			return Message{}, fmt.Errorf("%w: decompress:\n%v", ErrMalformedMessage, err)
		}
	}

	return m, nil
}
