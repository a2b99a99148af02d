package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame (4 MB). Graph entries are small; a
// frame this large is a broken or hostile peer.
const MaxMessageSize = 4 * 1024 * 1024

// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize
var ErrMessageTooLarge = errors.New("message too large")

// ErrMalformedFrame is returned when a frame body is not a valid message.
// The stream itself is still in sync after it.
var ErrMalformedFrame = errors.New("malformed frame")

// Framer handles length-prefixed message framing
type Framer struct {
	reader io.Reader
	writer io.Writer
}

// NewFramer creates a new framer
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader: r,
		writer: w,
	}
}

// ReadMessage reads a length-prefixed message
func (f *Framer) ReadMessage() (*Message, error) {
	msg, _, err := f.ReadMessageWithSize()
	return msg, err
}

// ReadMessageWithSize reads a length-prefixed message and returns its size
func (f *Framer) ReadMessageWithSize() (*Message, int, error) {
	body, err := f.ReadRaw()
	if err != nil {
		return nil, len(body), err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, len(body), fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Type == "" {
		return nil, len(body), fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	return &msg, len(body), nil
}

// WriteMessage writes a length-prefixed message
func (f *Framer) WriteMessage(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return f.WriteRaw(body)
}

// Send creates a message and writes it unsigned
func (f *Framer) Send(msgType MessageType, payload any) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return f.WriteMessage(msg)
}

// ReadRaw reads raw bytes with length prefix
func (f *Framer) ReadRaw() ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(f.reader, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// WriteRaw writes raw bytes with length prefix. The prefix and body go out
// in one Write so concurrent framers on a shared writer cannot interleave.
func (f *Framer) WriteRaw(data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := f.writer.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
