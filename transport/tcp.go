package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/komuw/kvpaxos/codec"
	"github.com/komuw/kvpaxos/protocol"
	"github.com/pkg/errors"
)

// TCPTransport implements the protocol.Transport interface over TCP.
// It opens one connection per request, writes one frame and reads one frame back.
type TCPTransport struct {
	connector *Connector
}

// NewTCPTransport returns a TCPTransport that connects the way cfg says.
func NewTCPTransport(cfg protocol.Config) *TCPTransport {
	return &TCPTransport{connector: NewConnector(cfg)}
}

// Send implements the protocol.Transport interface.
func (t *TCPTransport) Send(ctx context.Context, peer protocol.PeerAddress, m codec.Message) (codec.Message, error) {
	conn, err := t.connector.Connect(ctx, peer)
	if err != nil {
		return nil, err
	}
	defer conn.Close() // nolint: errcheck

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("unable to set deadline on connection to peer:%v", peer))
		}
	}
	// unblock the read below as soon as the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now()) // nolint: errcheck
	})
	defer stop()

	if err := codec.WriteFrame(conn, m); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("unable to send %v to peer:%v", m.Kind(), peer))
	}
	reply, err := codec.ReadFrame(conn)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("unable to read reply to %v from peer:%v", m.Kind(), peer))
	}
	return reply, nil
}
