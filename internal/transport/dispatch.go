package transport

import (
	"context"
	"fmt"
)

// Handler receives decoded messages. Every kind has a method, so a Handler
// cannot silently ignore one.
type Handler interface {
	HandleBatchSubmit(ctx context.Context, m Message, b *BatchSubmit) (Payload, error)
	HandleShareReply(ctx context.Context, m Message, r *ShareReply) (Payload, error)
	HandleError(ctx context.Context, m Message, e *ErrorReply) (Payload, error)
}

// Dispatch decodes the payload of m and calls the matching Handler method.
func Dispatch(ctx context.Context, m Message, h Handler) (Payload, error) {
	p, err := ParsePayload(m)
	if err != nil {
		return nil, err
	}

	switch p := p.(type) {
	case *BatchSubmit:
		return h.HandleBatchSubmit(ctx, m, p)
	case *ShareReply:
		return h.HandleShareReply(ctx, m, p)
	case *ErrorReply:
		return h.HandleError(ctx, m, p)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedKind, p)
	}
}
