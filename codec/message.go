package codec

import (
	"bytes"
	"fmt"
)

// Kind identifies the shape of a message on the wire.
type Kind byte

const (
	// KindPrepare is sent by a proposer in phase 1.
	KindPrepare Kind = iota + 1
	// KindAccept is sent by a proposer in phase 2.
	KindAccept
	// KindCommit is broadcast by a proposer in phase 3.
	KindCommit
	// KindReply is what an acceptor answers to any of the above.
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindPrepare:
		return "prepare"
	case KindAccept:
		return "accept"
	case KindCommit:
		return "commit"
	case KindReply:
		return "reply"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// Status is the verdict carried by a Reply.
type Status byte

const (
	// StatusPromise answers a prepare; the acceptor will ignore lower sequence numbers.
	StatusPromise Status = iota + 1
	// StatusAccept answers an accept.
	StatusAccept
	// StatusSuccess answers a commit.
	StatusSuccess
	// StatusReject answers a prepare or accept that lost to a higher sequence number.
	StatusReject
)

func (s Status) String() string {
	switch s {
	case StatusPromise:
		return "promise"
	case StatusAccept:
		return "accept"
	case StatusSuccess:
		return "success"
	case StatusReject:
		return "reject"
	}
	return fmt.Sprintf("Status(%d)", byte(s))
}

func (s Status) valid() bool {
	return s >= StatusPromise && s <= StatusReject
}

// Operation is the mutation a proposal applies to its key.
type Operation string

const (
	// OpPut sets the key to the proposal's value.
	OpPut Operation = "put"
	// OpDelete removes the key.
	OpDelete Operation = "delete"
)

// Valid reports whether o is an operation that acceptors know how to apply.
func (o Operation) Valid() bool {
	return o == OpPut || o == OpDelete
}

// Proposal is the write a client wants the cluster to agree on.
type Proposal struct {
	Key       string    `codec:"key"`
	Value     []byte    `codec:"value"`
	Operation Operation `codec:"op"`
}

// IsZero reports whether p carries nothing.
func (p Proposal) IsZero() bool {
	return p.Key == "" && len(p.Value) == 0 && p.Operation == ""
}

// Equal reports whether p and o describe the same write.
func (p Proposal) Equal(o Proposal) bool {
	return p.Key == o.Key && p.Operation == o.Operation && bytes.Equal(p.Value, o.Value)
}

func (p Proposal) String() string {
	return fmt.Sprintf("%s(%s=%q)", p.Operation, p.Key, p.Value)
}

// Message is one of Prepare, Accept, Commit or Reply.
type Message interface {
	Kind() Kind
}

// Prepare opens phase 1.
type Prepare struct {
	SequenceNumber uint64 `codec:"seq"`
}

// Accept asks the acceptor to accept Proposal under SequenceNumber.
type Accept struct {
	SequenceNumber uint64   `codec:"seq"`
	Proposal       Proposal `codec:"proposal"`
}

// Commit tells an acceptor that Proposal was chosen. SequenceNumber is informational.
type Commit struct {
	SequenceNumber uint64   `codec:"seq"`
	Proposal       Proposal `codec:"proposal"`
}

// Reply is an acceptor's answer. For a promise, Prior is the proposal the
// acceptor accepted earlier, if any. For a reject, SequenceNumber is the
// highest number the acceptor has promised.
type Reply struct {
	Status         Status    `codec:"status"`
	SequenceNumber uint64    `codec:"seq"`
	Prior          *Proposal `codec:"prior"`
}

// Kind implements Message.
func (Prepare) Kind() Kind { return KindPrepare }

// Kind implements Message.
func (Accept) Kind() Kind { return KindAccept }

// Kind implements Message.
func (Commit) Kind() Kind { return KindCommit }

// Kind implements Message.
func (Reply) Kind() Kind { return KindReply }
