package protocol

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Sequence issues the sequence numbers a Proposer stamps on its rounds.
// Numbers issued by one Sequence are strictly increasing and never reused.
type Sequence interface {
	// Increment returns a fresh number, greater than every number issued before.
	Increment() uint64
	// Current returns the last issued number without issuing a new one.
	Current() uint64
	// Observe makes sure the next number issued is greater than n.
	Observe(n uint64)
}

// MemorySequence is a Sequence that lives in memory only.
// It is safe for concurrent use.
type MemorySequence struct {
	n atomic.Uint64
}

// NewMemorySequence returns a Sequence whose first number is start+1.
func NewMemorySequence(start uint64) *MemorySequence {
	s := &MemorySequence{}
	s.n.Store(start)
	return s
}

// Increment implements the Sequence interface.
func (s *MemorySequence) Increment() uint64 {
	return s.n.Add(1)
}

// Current implements the Sequence interface.
func (s *MemorySequence) Current() uint64 {
	return s.n.Load()
}

// Observe implements the Sequence interface.
func (s *MemorySequence) Observe(n uint64) {
	for {
		cur := s.n.Load()
		if cur >= n || s.n.CompareAndSwap(cur, n) {
			return
		}
	}
}

// sequenceKey is where StoredSequence keeps its high-water mark.
// it ought to be unique and clients/users will be prohibited from using this value as a key for their data.
var sequenceKey = []byte("__SEQUENCE__KEY__9b1e2c3a-1f0d-4d7e-8a51-2f4e6b7c8d90")

// StoredSequence is a Sequence whose high-water mark is written to a
// StableStore on every change, so a restarted proposer never reissues a number.
type StoredSequence struct {
	mu     sync.Mutex
	n      uint64
	store  StableStore
	logger *log.Logger
}

// NewStoredSequence loads the high-water mark from store.
// A store that has never been written to starts the sequence at zero.
func NewStoredSequence(store StableStore, logger *log.Logger) (*StoredSequence, error) {
	n, err := store.GetUint64(sequenceKey)
	if isNotFound(err) {
		n, err = 0, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to load sequence number")
	}
	if logger == nil {
		logger = defaultLogger()
	}
	return &StoredSequence{n: n, store: store, logger: logger}, nil
}

// Increment implements the Sequence interface.
// A failed write is logged; the number is still unique for the life of this process.
func (s *StoredSequence) Increment() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	s.persist()
	return s.n
}

// Current implements the Sequence interface.
func (s *StoredSequence) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Observe implements the Sequence interface.
func (s *StoredSequence) Observe(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= s.n {
		return
	}
	s.n = n
	s.persist()
}

func (s *StoredSequence) persist() {
	if err := s.store.SetUint64(sequenceKey, s.n); err != nil {
		s.logger.Printf("unable to persist sequence number:%v: %+v", s.n, err)
	}
}
