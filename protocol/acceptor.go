package protocol

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/komuw/kvpaxos/codec"
	"github.com/pkg/errors"
)

const reservedKeyPrefix = "__KVPAXOS__"

const valueMarker byte = 'v'

// promisedKey is the key that we use to store the highest promised sequence number.
// it ought to be unique and clients/users will be prohibited from using this value as a key for their data.
var promisedKey = []byte(reservedKeyPrefix + "PROMISED__KEY__c8c07b0c-3598-11e8-98b8-97a4ad1feb35")

// acceptedKey is the key that we use to store the currently accepted proposal.
var acceptedKey = []byte(reservedKeyPrefix + "ACCEPTED__KEY__207d1a68-34f3-11e8-88e5-cb7b2fa68526")

func isReservedKey(key []byte) bool {
	return bytes.HasPrefix(key, []byte(reservedKeyPrefix)) || bytes.Equal(key, sequenceKey)
}

// acceptedProposal is what an acceptor persists when it accepts.
type acceptedProposal struct {
	SequenceNumber uint64
	Proposal       Proposal
}

// Acceptor is the peer side of a round. It answers prepare, accept and commit
// messages and applies committed proposals to its StableStore.
// It satisfies the Handler interface.
type Acceptor struct {
	// ID is only used in error messages.
	ID uint64

	// prepare, accept and commit are mutually exclusive.
	// the mux protects the state(store)
	sync.Mutex

	// store is a StableStore implementation for durable state
	store StableStore
}

// NewAcceptor creates an acceptor that keeps its state in store.
func NewAcceptor(ID uint64, store StableStore) *Acceptor {
	return &Acceptor{ID: ID, store: store}
}

// Handle implements the Handler interface.
func (a *Acceptor) Handle(m codec.Message) (codec.Message, error) {
	switch m := m.(type) {
	case codec.Prepare:
		return a.Prepare(m.SequenceNumber)
	case codec.Accept:
		return a.Accept(m.SequenceNumber, m.Proposal)
	case codec.Commit:
		return a.Commit(m.SequenceNumber, m.Proposal)
	case nil:
		return nil, errors.Errorf("acceptor:%v cannot handle a nil message", a.ID)
	}
	return nil, errors.Errorf("acceptor:%v cannot handle a %v message", a.ID, m.Kind())
}

// Prepare handles the prepare phase.
// An Acceptor rejects n if it already promised n or a greater number, and tells the proposer which number it promised.
// Otherwise it persists n as a promise and returns a confirmation, carrying the proposal it accepted earlier if there is one.
func (a *Acceptor) Prepare(n uint64) (codec.Reply, error) {
	a.Lock()
	defer a.Unlock()

	promised, err := a.promised()
	if err != nil {
		return codec.Reply{}, err
	}
	if n <= promised {
		return codec.Reply{Status: codec.StatusReject, SequenceNumber: promised}, nil
	}
	if err := a.store.SetUint64(promisedKey, n); err != nil {
		return codec.Reply{}, errors.Wrap(err, fmt.Sprintf("unable to flush promise:%v of acceptor:%v to disk", n, a.ID))
	}

	accepted, err := a.accepted()
	if err != nil {
		return codec.Reply{}, err
	}
	reply := codec.Reply{Status: codec.StatusPromise, SequenceNumber: n}
	if accepted != nil {
		prior := accepted.Proposal
		reply.Prior = &prior
	}
	return reply, nil
}

// Accept handles the accept phase.
// An Acceptor rejects n if it has promised a greater number.
// Otherwise it marks the received (n, proposal) as the accepted proposal and returns a confirmation.
func (a *Acceptor) Accept(n uint64, proposal Proposal) (codec.Reply, error) {
	a.Lock()
	defer a.Unlock()

	promised, err := a.promised()
	if err != nil {
		return codec.Reply{}, err
	}
	if n < promised {
		return codec.Reply{Status: codec.StatusReject, SequenceNumber: promised}, nil
	}
	if n > promised {
		if err := a.store.SetUint64(promisedKey, n); err != nil {
			return codec.Reply{}, errors.Wrap(err, fmt.Sprintf("unable to flush promise:%v of acceptor:%v to disk", n, a.ID))
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(acceptedProposal{SequenceNumber: n, Proposal: proposal}); err != nil {
		return codec.Reply{}, errors.Wrap(err, fmt.Sprintf("unable to encode proposal:%v", proposal))
	}
	if err := a.store.Set(acceptedKey, buf.Bytes()); err != nil {
		return codec.Reply{}, errors.Wrap(err, fmt.Sprintf("unable to flush proposal:%v of acceptor:%v to disk", proposal, a.ID))
	}
	return codec.Reply{Status: codec.StatusAccept, SequenceNumber: n}, nil
}

// Commit applies a chosen proposal to the store and forgets it as the accepted proposal.
// Applying the same proposal again has no further effect.
func (a *Acceptor) Commit(n uint64, proposal Proposal) (codec.Reply, error) {
	a.Lock()
	defer a.Unlock()

	var value []byte
	switch proposal.Operation {
	case codec.OpPut:
		// values carry a marker byte so that an empty value is told apart from a deleted key.
		value = append([]byte{valueMarker}, proposal.Value...)
	case codec.OpDelete:
	default:
		return codec.Reply{}, errors.Errorf("acceptor:%v cannot apply operation:%q", a.ID, proposal.Operation)
	}
	if isReservedKey([]byte(proposal.Key)) {
		return codec.Reply{}, errors.Errorf("the key:%v is reserved for storing kvpaxos internal state", proposal.Key)
	}
	if err := a.store.Set([]byte(proposal.Key), value); err != nil {
		return codec.Reply{}, errors.Wrap(err, fmt.Sprintf("unable to apply proposal:%v on acceptor:%v", proposal, a.ID))
	}

	accepted, err := a.accepted()
	if err != nil {
		return codec.Reply{}, err
	}
	if accepted != nil && accepted.Proposal.Equal(proposal) {
		if err := a.store.Set(acceptedKey, nil); err != nil {
			return codec.Reply{}, errors.Wrap(err, fmt.Sprintf("unable to erase accepted proposal of acceptor:%v", a.ID))
		}
	}
	return codec.Reply{Status: codec.StatusSuccess, SequenceNumber: n}, nil
}

// Get returns the committed value of key. ok is false if key was never
// committed or was deleted.
func (a *Acceptor) Get(key string) (value []byte, ok bool, err error) {
	a.Lock()
	defer a.Unlock()

	stored, err := a.store.Get([]byte(key))
	if isNotFound(err) || (err == nil && len(stored) == 0) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, fmt.Sprintf("unable to get value for key:%v from acceptor:%v", key, a.ID))
	}
	return stored[1:], true, nil
}

// Accepted returns the proposal this acceptor accepted and has not seen
// committed yet, if any.
func (a *Acceptor) Accepted() (*Proposal, error) {
	a.Lock()
	defer a.Unlock()

	accepted, err := a.accepted()
	if err != nil || accepted == nil {
		return nil, err
	}
	return &accepted.Proposal, nil
}

func (a *Acceptor) promised() (uint64, error) {
	n, err := a.store.GetUint64(promisedKey)
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("unable to get promised sequence number of acceptor:%v", a.ID))
	}
	return n, nil
}

func (a *Acceptor) accepted() (*acceptedProposal, error) {
	b, err := a.store.Get(acceptedKey)
	if isNotFound(err) {
		b, err = nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("unable to get accepted proposal of acceptor:%v", a.ID))
	}
	if len(b) == 0 {
		return nil, nil
	}
	var ap acceptedProposal
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&ap); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("unable to decode accepted proposal of acceptor:%v", a.ID))
	}
	return &ap, nil
}
