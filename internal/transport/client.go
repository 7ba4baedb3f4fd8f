package transport

import (
	"context"
	"errors"
	"fmt"

	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/network"
)

// Client sends requests from the Edge to Cores listed in the directory.
type Client struct {
	node   *network.Node       // node dials and caches Core connections
	dir    *keyshare.Directory // dir resolves Core addresses and identities
	policy RetryPolicy         // policy bounds each request
}

// NewClient creates a client over a dial-only or listening node.
func NewClient(node *network.Node, dir *keyshare.Directory, policy RetryPolicy) *Client {
	return &Client{node: node, dir: dir, policy: policy}
}

// Request sends m to the Core at coreIndex and returns its decoded reply.
// Transport failures are retried by the policy; exhaustion wraps ErrUnreachable.
// A frame over either side's limit fails at once with a bad_request *ErrorReply.
func (c *Client) Request(ctx context.Context, coreIndex int, m Message) (Message, error) {
	core, ok := c.dir.Core(coreIndex)
	if !ok {
		return Message{}, fmt.Errorf("unknown core %d", coreIndex)
	}

	data, err := Encode(m)
	if err != nil {
		return Message{}, fmt.Errorf("encode request:\n%w", err)
	}

	var reply Message

	err = c.policy.Do(ctx, func(ctx context.Context) error {
		peer, err := c.node.Dial(ctx, core.Address, core.PublicKey)
		if err != nil {
			return err
		}

		resp, err := peer.Request(ctx, data)
		if errors.Is(err, network.ErrFrameTooLarge) {
			return Permanent(&ErrorReply{Reason: ReasonBadRequest, Detail: fmt.Sprintf("core %d: %v", coreIndex, err)})
		}
		if err != nil {
			return err
		}

		reply, err = Decode(resp)
		if err != nil {
			return Permanent(fmt.Errorf("core %d:\n%w", coreIndex, err))
		}

		if reply.Sender != uint16(coreIndex) || reply.SessionID != m.SessionID {
			return Permanent(fmt.Errorf("%w: core %d answered as %d for session %q",
				ErrMalformedMessage, coreIndex, reply.Sender, reply.SessionID))
		}

		return nil
	})
	if err != nil {
		return Message{}, err
	}

	return reply, nil
}
