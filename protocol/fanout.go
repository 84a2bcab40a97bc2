package protocol

import (
	"context"

	"github.com/komuw/kvpaxos/codec"
	"github.com/pkg/errors"
)

// response is what one peer said, or failed to say, during a phase.
type response struct {
	peer  PeerAddress
	reply codec.Reply
	err   error
}

// fanOut sends m to every peer using at most workers concurrent senders and
// streams each outcome on the returned channel. The channel has room for every
// peer, so senders never block once the coordinator has stopped reading.
func fanOut(ctx context.Context, t Transport, workers int, peers []PeerAddress, m codec.Message) <-chan response {
	out := make(chan response, len(peers))
	jobs := make(chan PeerAddress, len(peers))
	for _, p := range peers {
		jobs <- p
	}
	close(jobs)

	if workers > len(peers) {
		workers = len(peers)
	}
	for i := 0; i < workers; i++ {
		go func() {
			for p := range jobs {
				if err := ctx.Err(); err != nil {
					out <- response{peer: p, err: err}
					continue
				}
				out <- send(ctx, t, p, m)
			}
		}()
	}
	return out
}

func send(ctx context.Context, t Transport, p PeerAddress, m codec.Message) response {
	msg, err := t.Send(ctx, p, m)
	if err != nil {
		return response{peer: p, err: err}
	}
	reply, ok := msg.(codec.Reply)
	if !ok {
		return response{peer: p, err: errors.Wrapf(codec.ErrMalformedMessage, "peer:%v answered %v with a %v", p, m.Kind(), msg.Kind())}
	}
	return response{peer: p, reply: reply}
}

// tally is the outcome of gather.
type tally struct {
	ok     []response
	failed int
	// expired is set when the deadline fired before gather was satisfied.
	expired bool
}

// gather drains responses until quorum of them satisfy ok, until reaching
// quorum has become impossible, until all total responses are in, or until ctx
// is done, whichever comes first. A quorum of zero waits for all responses.
func gather(ctx context.Context, responses <-chan response, total, quorum int, ok func(response) bool) tally {
	var t tally
	for len(t.ok)+t.failed < total {
		if quorum > 0 && (len(t.ok) >= quorum || total-t.failed < quorum) {
			return t
		}
		select {
		case r := <-responses:
			if ok(r) {
				t.ok = append(t.ok, r)
			} else {
				t.failed++
			}
		case <-ctx.Done():
			t.expired = true
			return t
		}
	}
	return t
}

func peersOf(rs []response) []PeerAddress {
	peers := make([]PeerAddress, 0, len(rs))
	for _, r := range rs {
		peers = append(peers, r.peer)
	}
	return peers
}
