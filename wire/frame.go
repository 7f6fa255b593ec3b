package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds the length prefix accepted on read, guarding
// against a corrupt or malicious peer claiming an unbounded body.
const MaxFrameSize = 64 << 20

// ErrMessageCutOff is returned when a frame is truncated at EOF --
// spec.md's MessageCutOff.
var ErrMessageCutOff = errors.New("wire: message cut off")

// ErrFrameTooLarge is returned when a frame's declared length exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// envelope is the "(msg_type: u8, payload)" tuple of spec.md §4.1. The
// payload is kept as a raw encoded value so a frame's type can be read
// before its shape is known, mirroring message.Framing's Unpack/Unmarshal
// split (message/json_framing.go): Unpack reads a complete frame without
// needing to know its Go type; Unmarshal decodes it once the caller does.
type envelope struct {
	Type    uint8           `msgpack:",as array"`
	Payload msgpack.RawMessage `msgpack:",as array"`
}

// WriteFrame marshals payload with msgType and writes it to w as one
// length-prefixed frame: a 4-byte big-endian length followed by the
// encoded (msg_type, payload) tuple. Structs, at any depth, are encoded
// as msgpack arrays, so every message travels as a positional tuple.
// The caller is responsible for flushing w at an appropriate point (eg
// after draining a batch).
func WriteFrame(w *bufio.Writer, msgType MsgType, payload interface{}) error {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseArrayEncodedStructs(true)
	if err := enc.Encode(payload); err != nil {
		return errors.Wrap(err, "marshalling payload")
	}
	raw := append([]byte(nil), buf.Bytes()...)
	buf.Reset()
	if err := enc.Encode(&envelope{Type: uint8(msgType), Payload: raw}); err != nil {
		return errors.Wrap(err, "marshalling envelope")
	}
	body := buf.Bytes()
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its
// msg_type and still-encoded payload, leaving decoding of the payload's
// concrete shape to the caller (which alone knows, from msg_type, which
// struct to decode into -- see DecodePayload). A stream that ends
// cleanly before a new frame's first byte yields io.EOF.
func ReadFrame(r *bufio.Reader) (MsgType, msgpack.RawMessage, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, ErrMessageCutOff
		}
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, ErrMessageCutOff
		}
		return 0, nil, err
	}

	var env envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return 0, nil, fmt.Errorf("decoding frame envelope: %w", err)
	}
	return MsgType(env.Type), env.Payload, nil
}

// DecodePayload decodes a frame's still-raw payload (as returned by
// ReadFrame) into out, the concrete struct type the caller expects for
// the frame's msg_type.
func DecodePayload(payload msgpack.RawMessage, out interface{}) error {
	return msgpack.Unmarshal(payload, out)
}
