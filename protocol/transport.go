package protocol

import (
	"context"

	"github.com/komuw/kvpaxos/codec"
)

// Transport provides an interface for network transports
// to allow a Proposer to communicate with acceptors.
type Transport interface {
	// Send delivers m to peer and returns its reply. It must give up once ctx is done.
	// A reply that cannot be decoded is returned as an error whose cause is
	// codec.ErrMalformedMessage.
	Send(ctx context.Context, peer PeerAddress, m codec.Message) (codec.Message, error)
}

// Handler answers the messages a Transport delivers; Acceptor is one.
type Handler interface {
	Handle(m codec.Message) (codec.Message, error)
}
