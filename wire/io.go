package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Default maximum encoded message size (16 MB)
const DefaultMaxMessage int = 16_777_216

// Hard limit on message size (64 MB)
const MaxMessageHardLimit int = 67_108_864

// Limits bounds what a Reader accepts and a Writer produces.
type Limits struct {
	MaxMessage int
}

// DefaultLimits returns the default limits
func DefaultLimits() Limits {
	return Limits{MaxMessage: DefaultMaxMessage}
}

func (l Limits) check(size int) error {
	if size > l.MaxMessage {
		return fmt.Errorf("message size %d exceeds max_message limit %d", size, l.MaxMessage)
	}
	if size > MaxMessageHardLimit {
		return fmt.Errorf("message size %d exceeds hard limit %d", size, MaxMessageHardLimit)
	}
	return nil
}

// Reader reads length-prefixed CBOR messages from a stream
type Reader struct {
	src    io.Reader
	limits Limits
	header [4]byte
}

// NewReader creates a new Reader
func NewReader(r io.Reader) *Reader {
	return &Reader{src: r, limits: DefaultLimits()}
}

// SetLimits updates the reader's limits
func (r *Reader) SetLimits(limits Limits) {
	r.limits = limits
}

// ReadMessage returns the next message. io.EOF means the stream ended on a
// message boundary. A *DecodeError means one whole frame was consumed but
// its body was bad; the next call reads the following frame.
func (r *Reader) ReadMessage() (*Message, error) {
	body, err := r.next()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(body)
}

// next reads one frame body. The size is checked before allocating.
func (r *Reader) next() ([]byte, error) {
	if _, err := io.ReadFull(r.src, r.header[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(r.header[:]))
	if err := r.limits.check(size); err != nil {
		return nil, err
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r.src, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// Writer writes length-prefixed CBOR messages to a stream. It is safe for
// concurrent use; each message is written atomically.
type Writer struct {
	mu     sync.Mutex
	dst    io.Writer
	limits Limits
}

func NewWriter(dst io.Writer) *Writer {
	return &Writer{
		dst:    dst,
		limits: DefaultLimits(),
	}
}

// SetLimits replaces the limits applied to later writes.
func (w *Writer) SetLimits(limits Limits) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limits = limits
}

// WriteMessage encodes msg and writes it as one frame.
func (w *Writer) WriteMessage(msg *Message) error {
	buf, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.limits.check(len(buf)); err != nil {
		return err
	}

	// Single write keeps the prefix and body together on message-oriented conns.
	frame := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(buf)))
	copy(frame[4:], buf)
	_, err = w.dst.Write(frame)
	return err
}
