/*
Package protocol drives single-value Paxos rounds over a cluster of replicated
key-value servers.

A Proposer gets the cluster to agree on one write for a key in three phases:

 1. prepare: a fresh sequence number is sent to every peer and a quorum of
    promises is awaited.
 2. accept: the chosen proposal is sent to the peers that promised and a quorum
    of accepts is awaited. If any promise reported a proposal the peer had
    accepted earlier, that proposal is carried forward instead of the caller's.
 3. commit: the chosen proposal is broadcast to the peers that accepted it.
    This is best effort; success is decided by phase 2.

There is no leader election and no built-in retry. A caller that wants to retry
a failed round calls Propose again, which uses a fresh sequence number.

Example usage:

	cfg := protocol.DefaultConfig()
	cfg.Peers = peers // five addresses
	trans := transport.NewTCPTransport(cfg)
	p, err := protocol.NewProposer(cfg, trans, protocol.NewMemorySequence(0))
	if err != nil {
		panic(err)
	}
	chosen, err := p.Propose(ctx, protocol.Proposal{Key: "x", Value: []byte("1"), Operation: codec.OpPut})
	if err != nil {
		fmt.Printf("err: %v", err)
	}
	fmt.Printf("chosen: %v", chosen)
*/
package protocol

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/komuw/kvpaxos/codec"
	"github.com/pkg/errors"
	"github.com/sanity-io/litter"
)

// Proposal is the write a client wants the cluster to agree on.
type Proposal = codec.Proposal

// Proposer drives consensus rounds. It keeps no state between rounds other
// than its Sequence, so rounds for different proposals may run concurrently.
type Proposer struct {
	cfg    Config
	trans  Transport
	seq    Sequence
	logger *log.Logger
}

// NewProposer creates a Proposer. A nil seq means a MemorySequence starting at zero.
func NewProposer(cfg Config, trans Transport, seq Sequence) (*Proposer, error) {
	cfg, err := cfg.WithDefaults()
	if err != nil {
		return nil, errors.Wrap(err, "invalid proposer configuration")
	}
	if trans == nil {
		return nil, errors.New("proposer needs a transport")
	}
	if seq == nil {
		seq = NewMemorySequence(0)
	}
	p := &Proposer{cfg: cfg, trans: trans, seq: seq, logger: cfg.Logger}
	p.debugf("proposer:%v has %v peers, quorum:%v, last sequence number:%v", cfg.Self, len(cfg.Peers), cfg.Quorum, seq.Current())
	return p, nil
}

// Config returns the configuration the Proposer runs with, defaults filled in.
func (p *Proposer) Config() Config {
	return p.cfg
}

// Propose runs one round for proposal and returns the proposal the cluster
// committed. That is the caller's proposal unless some peer had already
// accepted another one, in which case that one is carried forward and
// returned instead.
// A phase that cannot reach a quorum yields a *RoundAbortedError whose cause
// is ErrQuorumNotReached.
func (p *Proposer) Propose(ctx context.Context, proposal Proposal) (Proposal, error) {
	if err := validateProposal(proposal); err != nil {
		return Proposal{}, err
	}
	r := &round{p: p, own: proposal}
	return r.run(ctx)
}

func validateProposal(proposal Proposal) error {
	if proposal.Key == "" {
		return errors.Wrap(ErrInvalidProposal, "proposal has no key")
	}
	if isReservedKey([]byte(proposal.Key)) {
		return errors.Wrapf(ErrInvalidProposal, "the key:%v is reserved for storing kvpaxos internal state. chose another key", proposal.Key)
	}
	if !proposal.Operation.Valid() {
		return errors.Wrapf(ErrInvalidProposal, "unknown operation:%q", proposal.Operation)
	}
	return nil
}

func (p *Proposer) debugf(format string, v ...interface{}) {
	if p.cfg.Debug {
		p.logger.Printf(format, v...)
	}
}

// round is the state of one Propose call. It is discarded when the call returns.
type round struct {
	p         *Proposer
	seq       uint64
	state     State
	own       Proposal
	chosen    Proposal
	promised  []PeerAddress
	accepted  []PeerAddress
	committed []PeerAddress
}

func (r *round) transition(to State) {
	if !canTransition(r.state, to) {
		// programming error; the phases below only take legal steps.
		panic(fmt.Sprintf("round:%v cannot move from %v to %v", r.seq, r.state, to))
	}
	r.p.debugf("round:%v %v -> %v", r.seq, r.state, to)
	r.state = to
}

func (r *round) run(ctx context.Context) (Proposal, error) {
	promises, err := r.prepare(ctx)
	if err != nil {
		return Proposal{}, err
	}
	r.chosen = chooseProposal(r.own, promises)
	if !r.chosen.Equal(r.own) {
		r.p.debugf("round:%v carries forward prior accepted proposal:%v instead of:%v", r.seq, r.chosen, r.own)
	}

	if err := r.accept(ctx); err != nil {
		return Proposal{}, err
	}
	r.commit(ctx)

	if r.p.cfg.Debug {
		r.p.logger.Printf("round outcome: %s", litter.Sdump(outcome{
			SequenceNumber: r.seq,
			Requested:      r.own,
			Chosen:         r.chosen,
			Promised:       r.promised,
			Accepted:       r.accepted,
			Committed:      r.committed,
		}))
	}
	return r.chosen, nil
}

// outcome is what gets dumped in debug mode once a round is done.
type outcome struct {
	SequenceNumber uint64
	Requested      Proposal
	Chosen         Proposal
	Promised       []PeerAddress
	Accepted       []PeerAddress
	Committed      []PeerAddress
}

// The proposer generates a sequence number and sends "prepare" messages containing it to every peer.
// Proposer waits for Quorum promises.
func (r *round) prepare(ctx context.Context) ([]response, error) {
	r.seq = r.p.seq.Increment()
	r.transition(StatePreparing)

	ctx, cancel := context.WithTimeout(ctx, r.p.cfg.RoundTimeout)
	defer cancel()

	var (
		peers  = r.p.cfg.Peers
		quorum = r.p.cfg.Quorum
	)
	responses := fanOut(ctx, r.p.trans, r.p.cfg.Workers, peers, codec.Prepare{SequenceNumber: r.seq})
	t := gather(ctx, responses, len(peers), quorum, func(res response) bool {
		if !r.answered(res, codec.StatusPromise) {
			return false
		}
		if res.reply.SequenceNumber != r.seq {
			r.p.logger.Printf("peer:%v promised sequence number:%v, round is:%v; ignoring", res.peer, res.reply.SequenceNumber, r.seq)
			return false
		}
		return true
	})

	if len(t.ok) < quorum {
		r.transition(StateQuorumFailed)
		return nil, r.abort(ctx, StatePreparing, t, quorum, "promises")
	}
	r.promised = peersOf(t.ok)
	r.transition(StatePromised)
	return t.ok, nil
}

// Proposer sends the chosen proposal along with the round's sequence number (an "accept" message)
// to the peers that promised. Proposer waits for Quorum accepts.
func (r *round) accept(ctx context.Context) error {
	r.transition(StateAccepting)

	ctx, cancel := context.WithTimeout(ctx, r.p.cfg.RoundTimeout)
	defer cancel()

	var (
		peers  = r.promised
		quorum = r.p.cfg.Quorum
	)
	responses := fanOut(ctx, r.p.trans, r.p.cfg.Workers, peers, codec.Accept{SequenceNumber: r.seq, Proposal: r.chosen})
	t := gather(ctx, responses, len(peers), quorum, func(res response) bool {
		return r.answered(res, codec.StatusAccept)
	})

	if len(t.ok) < quorum {
		r.transition(StateQuorumFailed)
		return r.abort(ctx, StateAccepting, t, quorum, "accepts")
	}
	r.accepted = peersOf(t.ok)
	r.transition(StateAccepted)
	return nil
}

// Proposer broadcasts the chosen proposal to the peers that accepted it.
// No quorum is needed and failed deliveries are not retried; a peer that
// misses the commit still reports the proposal in a later round's prepare phase.
func (r *round) commit(ctx context.Context) {
	r.transition(StateCommitting)

	ctx, cancel := context.WithTimeout(ctx, r.p.cfg.RoundTimeout)
	defer cancel()

	peers := r.accepted
	responses := fanOut(ctx, r.p.trans, r.p.cfg.Workers, peers, codec.Commit{SequenceNumber: r.seq, Proposal: r.chosen})
	t := gather(ctx, responses, len(peers), 0, func(res response) bool {
		return r.answered(res, codec.StatusSuccess)
	})
	if len(t.ok) < len(peers) {
		r.p.logger.Printf("round:%v commit of:%v reached %v of %v accepting peers", r.seq, r.chosen, len(t.ok), len(peers))
	}
	r.committed = peersOf(t.ok)
	r.transition(StateDone)
}

// answered reports whether res carries the wanted status. Every other outcome
// is logged and swallowed; a reject also moves the sequence past the number
// the peer has promised so that a retry can win.
func (r *round) answered(res response, want codec.Status) bool {
	if res.err != nil {
		r.p.logger.Printf("round:%v peer:%v gave no %v: %v", r.seq, res.peer, want, res.err)
		return false
	}
	switch res.reply.Status {
	case want:
		return true
	case codec.StatusReject:
		r.p.debugf("round:%v peer:%v rejected, it has promised sequence number:%v", r.seq, res.peer, res.reply.SequenceNumber)
		r.p.seq.Observe(res.reply.SequenceNumber)
	default:
		r.p.logger.Printf("round:%v peer:%v answered %v where %v was expected", r.seq, res.peer, res.reply.Status, want)
	}
	return false
}

// abort builds the error of a failed phase. ctx is the phase's context; once it
// is done the peers that never answered may simply have been too slow.
func (r *round) abort(ctx context.Context, phase State, t tally, quorum int, what string) error {
	err := errors.Wrapf(ErrQuorumNotReached, "%v:%v is less than required minimum of:%v", what, len(t.ok), quorum)
	if t.expired || ctx.Err() != nil {
		err = errors.Wrapf(err, "phase ended by %v", ctx.Err())
	}
	return &RoundAbortedError{Phase: phase, SequenceNumber: r.seq, Err: err}
}

// chooseProposal picks the value phase 2 must propose. If no promise reports a
// prior accepted proposal that is own. Otherwise prior proposals are grouped by
// value and the value reported by most promises wins, the first seen winning ties.
func chooseProposal(own Proposal, promises []response) Proposal {
	type group struct {
		proposal Proposal
		count    int
	}
	var groups []*group
	for _, res := range promises {
		prior := res.reply.Prior
		if prior == nil || prior.IsZero() {
			continue
		}
		found := false
		for _, g := range groups {
			if bytes.Equal(g.proposal.Value, prior.Value) {
				g.count++
				found = true
				break
			}
		}
		if !found {
			groups = append(groups, &group{proposal: *prior, count: 1})
		}
	}
	if len(groups) == 0 {
		return own
	}
	best := groups[0]
	for _, g := range groups[1:] {
		if g.count > best.count {
			best = g
		}
	}
	return best.proposal
}
