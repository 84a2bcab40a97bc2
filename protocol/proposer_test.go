package protocol

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/komuw/kvpaxos/codec"
	"github.com/pkg/errors"
	"github.com/sanity-io/litter"
)

type cluster struct {
	trans     *InmemTransport
	peers     []PeerAddress
	acceptors []*Acceptor
}

func newCluster(n int) *cluster {
	c := &cluster{trans: NewInmemTransport()}
	for i := 0; i < n; i++ {
		addr := PeerAddress{Host: fmt.Sprintf("10.0.0.%d", i+1), Port: DefaultPort}
		a := NewAcceptor(uint64(i+1), NewInmemStore())
		c.trans.AddPeer(addr, a)
		c.peers = append(c.peers, addr)
		c.acceptors = append(c.acceptors, a)
	}
	return c
}

func (c *cluster) proposer(t *testing.T, seq Sequence) *Proposer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Peers = c.peers
	cfg.Quorum = Majority(len(c.peers))
	cfg.RoundTimeout = 300 * time.Millisecond
	cfg.Logger = log.New(ioutil.Discard, "", 0)
	p, err := NewProposer(cfg, c.trans, seq)
	if err != nil {
		t.Fatalf("\nNewProposer() \nerr = %+v", err)
	}
	return p
}

// holding returns how many acceptors have value committed under key.
func (c *cluster) holding(t *testing.T, key string, value []byte) int {
	t.Helper()
	n := 0
	for _, a := range c.acceptors {
		got, ok, err := a.Get(key)
		if err != nil {
			t.Fatal(err)
		}
		if ok && bytes.Equal(got, value) {
			n++
		}
	}
	return n
}

func put(key, value string) Proposal {
	return Proposal{Key: key, Value: []byte(value), Operation: codec.OpPut}
}

func TestPropose(t *testing.T) {
	tests := []struct {
		name     string
		down     int
		garbled  int
		proposal Proposal
		wantErr  bool
	}{
		{name: "all nodes reachable", proposal: put("x", "1")},
		{name: "two nodes down", down: 2, proposal: put("x", "2")},
		{name: "three nodes down", down: 3, proposal: put("x", "3"), wantErr: true},
		{name: "one malformed reply", garbled: 1, proposal: put("x", "5")},
		{name: "two down and one malformed", down: 2, garbled: 1, proposal: put("x", "6"), wantErr: true},
		{name: "delete", proposal: Proposal{Key: "x", Value: []byte("-"), Operation: codec.OpDelete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCluster(5)
			for i := 0; i < tt.down; i++ {
				c.trans.SetDown(c.peers[i], true)
			}
			for i := tt.down; i < tt.down+tt.garbled; i++ {
				c.trans.SetGarbled(c.peers[i], []byte("definitely not paxos"))
			}
			p := c.proposer(t, nil)

			got, err := p.Propose(context.Background(), tt.proposal)
			t.Logf("\ngot:%s, \nerr:%+v", litter.Sdump(got), err)

			if (err != nil) != tt.wantErr {
				t.Fatalf("\nProposer.Propose() \nerror = %v, \nwantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if errors.Cause(err) != ErrQuorumNotReached {
					t.Errorf("\nProposer.Propose() \ncause = %v, \nwanted = %v", errors.Cause(err), ErrQuorumNotReached)
				}
				aborted, ok := err.(*RoundAbortedError)
				if !ok || aborted.Phase != StatePreparing {
					t.Errorf("\nProposer.Propose() \nerr = %#+v, \nwanted a RoundAbortedError in %v", err, StatePreparing)
				}
				if n := c.trans.Sent(codec.KindAccept) + c.trans.Sent(codec.KindCommit); n != 0 {
					t.Errorf("\nProposer.Propose() sent %v accept/commit messages after failing to prepare", n)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.proposal) {
				t.Errorf("\nProposer.Propose() \ngot = %v, \nwant = %v", got, tt.proposal)
			}
			if tt.proposal.Operation == codec.OpPut {
				if n := c.holding(t, tt.proposal.Key, tt.proposal.Value); n < Majority(5) {
					t.Errorf("\n%v acceptors hold the committed value, wanted at least %v", n, Majority(5))
				}
			}
		})
	}
}

func TestProposeCarriesPriorAcceptedValue(t *testing.T) {
	c := newCluster(5)
	// acceptor 3 already accepted value 9 in an earlier round that never committed.
	if _, err := c.acceptors[2].Prepare(1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.acceptors[2].Accept(1, put("x", "9")); err != nil {
		t.Fatal(err)
	}
	// make sure acceptor 3 is among the first promises.
	for i, peer := range c.peers {
		if i != 2 {
			c.trans.SetDelay(peer, 20*time.Millisecond)
		}
	}

	// acceptor 3 promised 1, so the round is numbered 2.
	p := c.proposer(t, NewMemorySequence(1))
	got, err := p.Propose(context.Background(), put("x", "3"))
	if err != nil {
		t.Fatalf("\nProposer.Propose() \nerr = %+v", err)
	}
	if want := put("x", "9"); !reflect.DeepEqual(got, want) {
		t.Errorf("\nProposer.Propose() \ngot = %v, \nwant = %v", got, want)
	}
	if n := c.holding(t, "x", []byte("9")); n < 3 {
		t.Errorf("\n%v acceptors hold the carried value, wanted at least 3", n)
	}
	if n := c.holding(t, "x", []byte("3")); n != 0 {
		t.Errorf("\n%v acceptors hold the caller's value, wanted 0", n)
	}
	prior, err := c.acceptors[2].Accepted()
	if err != nil {
		t.Fatal(err)
	}
	if prior != nil {
		t.Errorf("\nacceptor 3 still holds accepted proposal:%v after commit", prior)
	}
}

func TestProposeNextRoundUsesOwnValue(t *testing.T) {
	c := newCluster(3)
	p := c.proposer(t, nil)

	for _, v := range []string{"a", "b", "c"} {
		got, err := p.Propose(context.Background(), put("k", v))
		if err != nil {
			t.Fatalf("\nProposer.Propose(%v) \nerr = %+v", v, err)
		}
		if want := put("k", v); !reflect.DeepEqual(got, want) {
			t.Errorf("\nProposer.Propose() \ngot = %v, \nwant = %v", got, want)
		}
	}
	if got := p.seq.Current(); got != 3 {
		t.Errorf("\nsequence number = %v, wanted 3", got)
	}
}

// acceptRejecter promises but refuses every accept.
type acceptRejecter struct {
	*Acceptor
	promised uint64
}

func (a *acceptRejecter) Handle(m codec.Message) (codec.Message, error) {
	if _, ok := m.(codec.Accept); ok {
		return codec.Reply{Status: codec.StatusReject, SequenceNumber: a.promised}, nil
	}
	return a.Acceptor.Handle(m)
}

func TestProposeAcceptQuorumFails(t *testing.T) {
	c := newCluster(3)
	for i, peer := range c.peers[:2] {
		c.trans.AddPeer(peer, &acceptRejecter{Acceptor: c.acceptors[i], promised: 100})
	}
	p := c.proposer(t, nil)

	_, err := p.Propose(context.Background(), put("x", "1"))
	aborted, ok := err.(*RoundAbortedError)
	if !ok {
		t.Fatalf("\nProposer.Propose() \nerr = %#+v, \nwanted a RoundAbortedError", err)
	}
	if aborted.Phase != StateAccepting {
		t.Errorf("\nRoundAbortedError.Phase = %v, \nwanted = %v", aborted.Phase, StateAccepting)
	}
	if errors.Cause(err) != ErrQuorumNotReached {
		t.Errorf("\nProposer.Propose() \ncause = %v, \nwanted = %v", errors.Cause(err), ErrQuorumNotReached)
	}
	if n := c.trans.Sent(codec.KindCommit); n != 0 {
		t.Errorf("\nProposer.Propose() sent %v commits after failing to accept", n)
	}
	if got := p.seq.Current(); got != 100 {
		t.Errorf("\nsequence number = %v, wanted it raised to 100", got)
	}

	// a retry is a new round with a fresh number.
	c.trans.AddPeer(c.peers[0], c.acceptors[0])
	c.trans.AddPeer(c.peers[1], c.acceptors[1])
	if _, err := p.Propose(context.Background(), put("x", "1")); err != nil {
		t.Fatalf("\nProposer.Propose() retry \nerr = %+v", err)
	}
	if got := p.seq.Current(); got != 101 {
		t.Errorf("\nsequence number = %v, wanted 101", got)
	}
}

func TestProposeWithUnreachablePeersIsBounded(t *testing.T) {
	c := newCluster(5)
	for _, peer := range c.peers {
		c.trans.SetDelay(peer, 10*time.Second)
	}
	p := c.proposer(t, nil)

	start := time.Now()
	_, err := p.Propose(context.Background(), put("x", "1"))
	elapsed := time.Since(start)

	if errors.Cause(err) != ErrQuorumNotReached {
		t.Fatalf("\nProposer.Propose() \nerr = %+v, \nwanted cause = %v", err, ErrQuorumNotReached)
	}
	if !strings.Contains(err.Error(), "deadline") {
		t.Errorf("\nProposer.Propose() \nerr = %v, wanted it to mention the deadline", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("\nProposer.Propose() took %v with a round timeout of %v", elapsed, p.cfg.RoundTimeout)
	}
}

func TestProposeHonoursCallerContext(t *testing.T) {
	c := newCluster(3)
	for _, peer := range c.peers {
		c.trans.SetDelay(peer, 10*time.Second)
	}
	p := c.proposer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Propose(ctx, put("x", "1"))
	if errors.Cause(err) != ErrQuorumNotReached {
		t.Fatalf("\nProposer.Propose() \nerr = %+v", err)
	}
	if elapsed := time.Since(start); elapsed > p.cfg.RoundTimeout {
		t.Errorf("\nProposer.Propose() took %v, caller gave it 20ms", elapsed)
	}
}

func TestProposeInvalid(t *testing.T) {
	tests := []struct {
		name     string
		proposal Proposal
	}{
		{name: "no key", proposal: Proposal{Value: []byte("v"), Operation: codec.OpPut}},
		{name: "unknown operation", proposal: Proposal{Key: "k", Value: []byte("v"), Operation: "append"}},
		{name: "reserved key", proposal: Proposal{Key: string(promisedKey), Value: []byte("v"), Operation: codec.OpPut}},
		{name: "sequence key", proposal: Proposal{Key: string(sequenceKey), Value: []byte("v"), Operation: codec.OpPut}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCluster(3)
			p := c.proposer(t, nil)
			_, err := p.Propose(context.Background(), tt.proposal)
			if errors.Cause(err) != ErrInvalidProposal {
				t.Errorf("\nProposer.Propose() \nerr = %v, \nwanted cause = %v", err, ErrInvalidProposal)
			}
			if n := c.trans.Sent(codec.KindPrepare); n != 0 {
				t.Errorf("\nProposer.Propose() sent %v prepares for an invalid proposal", n)
			}
		})
	}
}

func TestProposeConcurrentRoundsUseDistinctNumbers(t *testing.T) {
	c := newCluster(5)
	p := c.proposer(t, nil)

	const rounds = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failed    int
	)
	for i := 0; i < rounds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Propose(context.Background(), put(fmt.Sprintf("key-%d", i), "v"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return
			}
			succeeded++
		}(i)
	}
	wg.Wait()

	if succeeded+failed != rounds {
		t.Errorf("\n%v rounds finished, wanted %v", succeeded+failed, rounds)
	}
	if succeeded == 0 {
		t.Error("\nno concurrent round succeeded")
	}
	// rejects only ever report numbers this proposer issued, so nothing was skipped.
	if got := p.seq.Current(); got != rounds {
		t.Errorf("\nsequence number = %v, wanted %v", got, rounds)
	}
}

func TestProposeCommitIsBestEffort(t *testing.T) {
	c := newCluster(3)
	c.trans.SetDown(c.peers[0], true)
	p := c.proposer(t, nil)

	// peer 2 promises and accepts, then its commit reply is garbled.
	c.trans.AddPeer(c.peers[1], commitGarbler{c.acceptors[1]})

	got, err := p.Propose(context.Background(), put("x", "1"))
	if err != nil {
		t.Fatalf("\nProposer.Propose() \nerr = %+v", err)
	}
	if want := put("x", "1"); !reflect.DeepEqual(got, want) {
		t.Errorf("\nProposer.Propose() \ngot = %v, \nwant = %v", got, want)
	}
}

// commitGarbler applies commits but answers them with a status a commit never gets.
type commitGarbler struct {
	*Acceptor
}

func (g commitGarbler) Handle(m codec.Message) (codec.Message, error) {
	reply, err := g.Acceptor.Handle(m)
	if _, ok := m.(codec.Commit); ok && err == nil {
		return codec.Reply{Status: codec.StatusPromise}, nil
	}
	return reply, err
}

func TestProposeDebugLogging(t *testing.T) {
	c := newCluster(3)
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Peers = c.peers
	cfg.Debug = true
	cfg.Logger = log.New(&buf, "", 0)
	p, err := NewProposer(cfg, c.trans, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Propose(context.Background(), put("x", "1")); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"IDLE -> PREPARING", "ACCEPTED -> COMMITTING", "COMMITTING -> DONE", "round outcome", "Chosen"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("\ndebug log is missing %q: \n%s", want, buf.String())
		}
	}
}

func TestNewProposer(t *testing.T) {
	peers := []PeerAddress{{Host: "a"}, {Host: "b"}, {Host: "c"}}
	tests := []struct {
		name    string
		cfg     Config
		trans   Transport
		wantErr bool
	}{
		{name: "no peers", cfg: Config{}, trans: NewInmemTransport(), wantErr: true},
		{name: "no transport", cfg: Config{Peers: peers}, wantErr: true},
		{name: "quorum too large", cfg: Config{Peers: peers, Quorum: 4}, trans: NewInmemTransport(), wantErr: true},
		{name: "majority by default", cfg: Config{Peers: peers}, trans: NewInmemTransport()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProposer(tt.cfg, tt.trans, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("\nNewProposer() \nerror = %v, \nwantErr %v", err, tt.wantErr)
			}
			if err == nil && p.Config().Quorum != 2 {
				t.Errorf("\nNewProposer() quorum = %v, wanted 2", p.Config().Quorum)
			}
		})
	}
}

func Test_chooseProposal(t *testing.T) {
	own := put("x", "3")
	promise := func(prior *Proposal) response {
		return response{reply: codec.Reply{Status: codec.StatusPromise, Prior: prior}}
	}
	nine, seven := put("x", "9"), put("x", "7")
	tests := []struct {
		name     string
		promises []response
		want     Proposal
	}{
		{name: "no promises carry a prior", promises: []response{promise(nil), promise(nil), promise(nil)}, want: own},
		{name: "one prior", promises: []response{promise(nil), promise(&nine), promise(nil)}, want: nine},
		{name: "empty prior is ignored", promises: []response{promise(&Proposal{}), promise(nil)}, want: own},
		{name: "most common prior wins", promises: []response{promise(&nine), promise(&seven), promise(&seven)}, want: seven},
		{name: "first seen wins a tie", promises: []response{promise(&seven), promise(&nine), promise(&nine), promise(&seven)}, want: seven},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chooseProposal(own, tt.promises); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("\nchooseProposal() \ngot = %v, \nwant = %v", got, tt.want)
			}
		})
	}
}

func Test_gather(t *testing.T) {
	ok := func(r response) bool { return r.err == nil }
	fail := response{err: errors.New("boom")}
	tests := []struct {
		name      string
		responses []response
		total     int
		quorum    int
		wantOK    int
		wantFail  int
		expired   bool
	}{
		{name: "stops at quorum", responses: []response{{}, {}, {}, {}}, total: 4, quorum: 2, wantOK: 2},
		{name: "stops once quorum is impossible", responses: []response{fail, fail, {}}, total: 3, quorum: 2, wantFail: 2},
		{name: "zero quorum drains everything", responses: []response{{}, fail, {}}, total: 3, quorum: 0, wantOK: 2, wantFail: 1},
		{name: "deadline", responses: []response{{}}, total: 3, quorum: 2, wantOK: 1, expired: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := make(chan response, len(tt.responses))
			for _, r := range tt.responses {
				ch <- r
			}
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			got := gather(ctx, ch, tt.total, tt.quorum, ok)
			if len(got.ok) != tt.wantOK || got.failed != tt.wantFail || got.expired != tt.expired {
				t.Errorf("\ngather() \ngot = ok:%v failed:%v expired:%v, \nwant = ok:%v failed:%v expired:%v",
					len(got.ok), got.failed, got.expired, tt.wantOK, tt.wantFail, tt.expired)
			}
		})
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StatePreparing, true},
		{StatePreparing, StateQuorumFailed, true},
		{StatePreparing, StateAccepting, false},
		{StateAccepting, StateQuorumFailed, true},
		{StateAccepted, StateCommitting, true},
		{StateCommitting, StateDone, true},
		{StateDone, StatePreparing, false},
		{StateQuorumFailed, StateAccepting, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v to %v", tt.from, tt.to), func(t *testing.T) {
			if got := canTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("\ncanTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
	if !StateDone.Terminal() || !StateQuorumFailed.Terminal() || StateAccepted.Terminal() {
		t.Error("\nState.Terminal() is wrong")
	}
}
