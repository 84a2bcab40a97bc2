package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/komuw/kvpaxos/codec"
	"github.com/pkg/errors"
)

// InmemTransport Implements the Transport interface, to allow a Proposer to be
// tested in-memory without going over a network.
// Messages still go through codec.Encode and codec.Decode in both directions.
type InmemTransport struct {
	mu       sync.RWMutex
	handlers map[PeerAddress]Handler
	down     map[PeerAddress]bool
	delay    map[PeerAddress]time.Duration
	garbled  map[PeerAddress][]byte
	sent     map[codec.Kind]int
	received map[PeerAddress][]codec.Kind
}

// NewInmemTransport returns a transport with no peers.
func NewInmemTransport() *InmemTransport {
	return &InmemTransport{
		handlers: map[PeerAddress]Handler{},
		down:     map[PeerAddress]bool{},
		delay:    map[PeerAddress]time.Duration{},
		garbled:  map[PeerAddress][]byte{},
		sent:     map[codec.Kind]int{},
		received: map[PeerAddress][]codec.Kind{},
	}
}

// AddPeer makes h reachable at addr.
func (it *InmemTransport) AddPeer(addr PeerAddress, h Handler) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.handlers[addr] = h
}

// SetDown makes addr unreachable, or reachable again.
func (it *InmemTransport) SetDown(addr PeerAddress, down bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.down[addr] = down
}

// SetDelay holds every message to addr for d before delivering it.
func (it *InmemTransport) SetDelay(addr PeerAddress, d time.Duration) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.delay[addr] = d
}

// SetGarbled replaces every reply from addr with raw. A nil raw restores normal replies.
func (it *InmemTransport) SetGarbled(addr PeerAddress, raw []byte) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if raw == nil {
		delete(it.garbled, addr)
		return
	}
	it.garbled[addr] = raw
}

// Sent returns how many messages of kind k have been handed to the transport,
// whether or not they were delivered.
func (it *InmemTransport) Sent(k codec.Kind) int {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.sent[k]
}

// Received returns the kinds of messages delivered to addr, in order.
func (it *InmemTransport) Received(addr PeerAddress) []codec.Kind {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return append([]codec.Kind(nil), it.received[addr]...)
}

// Send implements the Transport interface.
func (it *InmemTransport) Send(ctx context.Context, peer PeerAddress, m codec.Message) (codec.Message, error) {
	req, err := codec.Encode(m)
	if err != nil {
		return nil, err
	}

	it.mu.Lock()
	it.sent[m.Kind()]++
	h, ok := it.handlers[peer]
	down := it.down[peer]
	delay := it.delay[peer]
	garbled := it.garbled[peer]
	it.mu.Unlock()

	if !ok || down {
		return nil, errors.Errorf("peer:%v is unreachable", peer)
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), fmt.Sprintf("gave up on peer:%v", peer))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("gave up on peer:%v", peer))
	}

	in, err := codec.Decode(req)
	if err != nil {
		return nil, err
	}
	it.mu.Lock()
	it.received[peer] = append(it.received[peer], in.Kind())
	it.mu.Unlock()

	out, err := h.Handle(in)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("peer:%v failed to handle %v", peer, in.Kind()))
	}
	resp, err := codec.Encode(out)
	if err != nil {
		return nil, err
	}
	if garbled != nil {
		resp = garbled
	}
	return codec.Decode(resp)
}
