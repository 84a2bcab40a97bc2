/*
Package codec builds and parses the messages kvpaxos nodes exchange.

A message body is the protocol tag "paxos", followed by a byte that indicates
the message kind, followed by the MsgPack encoded message. On a stream every
body is framed by a 4 byte big endian length. Bodies larger than
MaxPayloadSize are refused, never truncated.
*/
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	msgpack "github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

// Protocol is the tag every message body starts with.
const Protocol = "paxos"

// MaxPayloadSize is the largest body, excluding the length prefix, that is
// written or read.
const MaxPayloadSize = 64 * 1024

const headerSize = len(Protocol) + 1

var (
	// ErrMalformedMessage is the cause of every decode failure.
	// Callers treat such a message exactly as if no reply had arrived.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrPayloadTooLarge is returned when encoding a message bigger than MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

var mh = &msgpack.MsgpackHandle{}

// Encode serializes m into a message body.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("cannot encode a nil message")
	}
	switch m.(type) {
	case Prepare, Accept, Commit, Reply:
	default:
		return nil, errors.Errorf("cannot encode message of type %T", m)
	}

	buf := make([]byte, headerSize, 64)
	copy(buf, Protocol)
	buf[len(Protocol)] = byte(m.Kind())

	var body []byte
	if err := msgpack.NewEncoderBytes(&body, mh).Encode(m); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("unable to encode %v message", m.Kind()))
	}
	buf = append(buf, body...)
	if len(buf) > MaxPayloadSize {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%v message is %d bytes, limit is %d", m.Kind(), len(buf), MaxPayloadSize)
	}
	return buf, nil
}

// Decode parses a message body produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) < headerSize {
		return nil, errors.Wrapf(ErrMalformedMessage, "message of %d bytes is shorter than its header", len(b))
	}
	if len(b) > MaxPayloadSize {
		return nil, errors.Wrapf(ErrMalformedMessage, "message of %d bytes exceeds limit of %d", len(b), MaxPayloadSize)
	}
	if !bytes.Equal(b[:len(Protocol)], []byte(Protocol)) {
		return nil, errors.Wrapf(ErrMalformedMessage, "unknown protocol tag:%q", b[:len(Protocol)])
	}
	kind := Kind(b[len(Protocol)])
	body := b[headerSize:]

	switch kind {
	case KindPrepare:
		var m Prepare
		if err := decodeBody(body, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindAccept:
		var m Accept
		if err := decodeBody(body, &m); err != nil {
			return nil, err
		}
		if err := validateProposal(m.Proposal); err != nil {
			return nil, err
		}
		return m, nil
	case KindCommit:
		var m Commit
		if err := decodeBody(body, &m); err != nil {
			return nil, err
		}
		if err := validateProposal(m.Proposal); err != nil {
			return nil, err
		}
		return m, nil
	case KindReply:
		var m Reply
		if err := decodeBody(body, &m); err != nil {
			return nil, err
		}
		if !m.Status.valid() {
			return nil, errors.Wrapf(ErrMalformedMessage, "unknown reply status:%v", m.Status)
		}
		if m.Prior != nil {
			if err := validateProposal(*m.Prior); err != nil {
				return nil, err
			}
		}
		return m, nil
	}
	return nil, errors.Wrapf(ErrMalformedMessage, "unknown message kind:%v", kind)
}

func decodeBody(body []byte, v interface{}) error {
	if len(body) == 0 {
		return errors.Wrap(ErrMalformedMessage, "empty message body")
	}
	if err := msgpack.NewDecoderBytes(body, mh).Decode(v); err != nil {
		return errors.Wrapf(ErrMalformedMessage, "unable to decode body: %v", err)
	}
	return nil
}

func validateProposal(p Proposal) error {
	if p.Key == "" {
		return errors.Wrap(ErrMalformedMessage, "proposal has no key")
	}
	if !p.Operation.Valid() {
		return errors.Wrapf(ErrMalformedMessage, "unknown operation:%q", p.Operation)
	}
	return nil
}

// WriteFrame writes m to w as a length prefixed frame.
func WriteFrame(w io.Writer, m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err = w.Write(frame)
	return errors.Wrapf(err, "unable to write %v frame", m.Kind())
}

// ReadFrame reads one length prefixed frame from r and decodes it.
// The frame is consumed in full before decoding so the stream stays aligned
// even when the body is malformed.
func ReadFrame(r io.Reader) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, errors.Wrap(err, "unable to read frame length")
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxPayloadSize {
		return nil, errors.Wrapf(ErrMalformedMessage, "frame of %d bytes exceeds limit of %d", n, MaxPayloadSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "unable to read frame body")
	}
	return Decode(body)
}
