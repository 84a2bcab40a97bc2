package protocol

import (
	"sync"

	"github.com/pkg/errors"
)

// InmemStore implements the StableStore interface.
// It should NEVER be used for production. It is used for unit tests and demos.
// Use the github.com/hashicorp/raft-boltdb implementation instead.
// Missing keys are reported the same way raft-boltdb reports them.
type InmemStore struct {
	l     sync.RWMutex
	kv    map[string][]byte
	kvInt map[string]uint64
}

// NewInmemStore returns an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{kv: map[string][]byte{}, kvInt: map[string]uint64{}}
}

// Set implements the StableStore interface.
func (i *InmemStore) Set(key []byte, val []byte) error {
	i.l.Lock()
	defer i.l.Unlock()
	i.kv[string(key)] = val
	return nil
}

// Get implements the StableStore interface.
func (i *InmemStore) Get(key []byte) ([]byte, error) {
	i.l.RLock()
	defer i.l.RUnlock()
	val := i.kv[string(key)]

	// see: https://github.com/hashicorp/raft-boltdb/blob/6e5ba93211eaf8d9a2ad7e41ffad8c6f160f9fe3/bolt_store.go#L241-L246
	if val == nil {
		return nil, errors.New(stableStoreNotFoundErr)
	}
	return val, nil
}

// SetUint64 implements the StableStore interface.
func (i *InmemStore) SetUint64(key []byte, val uint64) error {
	i.l.Lock()
	defer i.l.Unlock()
	i.kvInt[string(key)] = val
	return nil
}

// GetUint64 implements the StableStore interface.
func (i *InmemStore) GetUint64(key []byte) (uint64, error) {
	i.l.RLock()
	defer i.l.RUnlock()
	val, ok := i.kvInt[string(key)]
	if !ok {
		return 0, errors.New(stableStoreNotFoundErr)
	}
	return val, nil
}
