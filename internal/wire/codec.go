package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single encoded message.
const MaxFrameSize = 16 << 20

var (
	ErrFrameTooLarge = errors.New("wire: frame too large")
	ErrEmptyFrame    = errors.New("wire: empty frame")

	// ErrMalformedPayload means a whole frame was read but does not hold
	// an envelope. The stream stays aligned and the next Decode may
	// succeed.
	ErrMalformedPayload = errors.New("wire: malformed payload")
)

// Encoder writes length-prefixed msgpack frames. It is safe for
// concurrent use; frames are never interleaved.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message as a single frame.
func (e *Encoder) Encode(msg *Message) error {
	payload, err := Marshal(msg)
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// Decoder reads frames written by an Encoder. Decode must be called from a
// single goroutine.
type Decoder struct {
	r      io.Reader
	header [4]byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next frame. It returns io.EOF when the stream ends
// cleanly between frames. ErrEmptyFrame and ErrMalformedPayload leave the
// decoder positioned at the next frame.
func (d *Decoder) Decode() (*Message, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(d.header[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame (%d bytes): %w", size, err)
	}

	return Unmarshal(payload)
}

// Marshal encodes msg as a single msgpack document, without the length
// prefix.
func Marshal(msg *Message) ([]byte, error) {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", msg.Command, err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	return payload, nil
}

// Unmarshal decodes a single msgpack document. Numbers inside Args come
// back as int64, uint64 or float64.
func Unmarshal(payload []byte) (*Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.UseLooseInterfaceDecoding(true)

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return &msg, nil
}
