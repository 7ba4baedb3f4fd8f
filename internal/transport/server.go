package transport

import (
	"context"
	"errors"
	"fmt"

	"PrivateBilling/internal/logger"
	"PrivateBilling/internal/network"
)

// Server decodes request frames from a node and dispatches them to a Handler.
type Server struct {
	handler Handler // handler answers decoded requests
	self    uint16  // self is the sender field of replies
}

// NewServer registers a request handler on node.
func NewServer(node *network.Node, self uint16, h Handler) *Server {
	s := &Server{handler: h, self: self}
	node.OnRequest(s.handle)

	return s
}

// handle answers one frame. Handler failures become Error replies so the
// caller sees a reply rather than a reset stream.
func (s *Server) handle(p *network.Peer, data []byte) ([]byte, error) {
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode request from %s:\n%w", p.Address(), err)
	}

	reply, err := Dispatch(context.Background(), m, s.handler)
	if err != nil {
		var er *ErrorReply
		if !errors.As(err, &er) {
			er = &ErrorReply{Reason: ReasonBadRequest, Detail: err.Error()}
		}

		logger.Warn("request refused", "session", m.SessionID, "kind", m.Kind, "reason", er.Reason, "detail", er.Detail)
		reply = er
	}

	if reply == nil {
		reply = &ErrorReply{Reason: ReasonBadRequest, Detail: m.Kind.String() + " not accepted"}
	}

	out, err := NewMessage(m.SessionID, s.self, reply)
	if err != nil {
		return nil, err
	}

	return Encode(out)
}
