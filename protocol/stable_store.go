package protocol

// StableStore is used to provide stable storage of acceptor state and
// committed values.
// This interface is the same as the one defined in hashicorp/raft, which means
// github.com/hashicorp/raft-boltdb can be used as the storage mechanism.
type StableStore interface {
	Set(key []byte, val []byte) error
	// Get returns the value for key, or an error with the text "not found" if key was not found.
	Get(key []byte) ([]byte, error)
	SetUint64(key []byte, val uint64) error
	// GetUint64 returns the uint64 value for key, or an error with the text "not found" if key was not found.
	GetUint64(key []byte) (uint64, error)
}

// stableStoreNotFoundErr is the text of the error that both InmemStore and
// raft-boltdb return for a missing key.
const stableStoreNotFoundErr = "not found"

func isNotFound(err error) bool {
	return err != nil && err.Error() == stableStoreNotFoundErr
}
