package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// The control channel carries self-delimited frames: a 4-byte big-endian
// unsigned length prefix followed by a UTF-8 JSON object body of exactly that
// many bytes. A partial frame at end-of-stream is a clean end, not an error.

// DefaultMaxFrameBytes caps a single frame body. Sized to accommodate base64
// file chunks with headroom.
const DefaultMaxFrameBytes = 32 << 20

const lengthPrefixSize = 4

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds the decoder's
	// limit. The connection must be closed.
	ErrFrameTooLarge = errors.New("control frame exceeds size limit")

	// ErrMissingType is returned when a decoded body has no type field.
	ErrMissingType = errors.New("control frame missing type field")
)

// Encode serializes a message into a single length-prefixed frame.
func Encode(msg *Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal control frame: %w", err)
	}
	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	return frame, nil
}

// Decoder reads length-prefixed control frames from a byte stream.
type Decoder struct {
	r        io.Reader
	maxFrame int
	lenBuf   [lengthPrefixSize]byte
}

// NewDecoder wraps r with a frame decoder. maxFrame <= 0 selects the default.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Decoder{r: r, maxFrame: maxFrame}
}

// Next reads and decodes the next frame. It returns io.EOF when the stream
// ends cleanly, including mid-frame; every other error is terminal for the
// connection.
func (d *Decoder) Next() (*Message, error) {
	if _, err := io.ReadFull(d.r, d.lenBuf[:]); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(d.lenBuf[:])
	if int64(length) > int64(d.maxFrame) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			// Partial frame at end-of-stream is a clean end condition.
			return nil, io.EOF
		}
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode control frame: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}

// Decode parses a single complete frame from b. Used by tests and by clients
// that buffer whole frames themselves.
func Decode(b []byte) (*Message, error) {
	if len(b) < lengthPrefixSize {
		return nil, io.ErrUnexpectedEOF
	}
	length := binary.BigEndian.Uint32(b[:lengthPrefixSize])
	if int(length) != len(b)-lengthPrefixSize {
		return nil, fmt.Errorf("frame length %d does not match body %d", length, len(b)-lengthPrefixSize)
	}
	var msg Message
	if err := json.Unmarshal(b[lengthPrefixSize:], &msg); err != nil {
		return nil, fmt.Errorf("decode control frame: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}
