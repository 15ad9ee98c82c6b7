// Package mllp implements the Minimal Lower Layer Protocol framing used to
// carry HL7 v2 messages on a TCP stream: <0x0B> payload <0x1C><0x0D>.
//
// The decoder is a streaming reader producing one payload per frame. Payload
// bytes are opaque; no transcoding happens here (HL7 MSH-18 is the sender's
// business). Each decode error aborts the current frame only; the decoder
// resynchronises on the next start byte, so one bad frame does not poison
// the connection.
package mllp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// StartByte opens a frame.
	StartByte byte = 0x0b
	// EndByte closes the payload.
	EndByte byte = 0x1c
	// TrailingByte follows EndByte to terminate the frame.
	TrailingByte byte = 0x0d
)

// DefaultMaxMessageSize bounds a single frame's payload.
const DefaultMaxMessageSize = 10 << 20 // 10 MiB

// FramingError reports a byte where a frame start was expected.
type FramingError struct {
	Got byte
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("mllp: expected start byte 0x0b, got 0x%02x", e.Got)
}

// TruncatedError reports a stream that closed mid-frame.
type TruncatedError struct {
	Read int // payload bytes consumed before the stream ended
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("mllp: stream closed mid-frame after %d payload bytes", e.Read)
}

// MessageTooLargeError reports a payload over the configured maximum.
type MessageTooLargeError struct {
	Size int // bytes seen when the limit tripped
	Max  int
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("mllp: message exceeds %d bytes", e.Max)
}

// ReadTimeoutError reports that no frame arrived within the read timeout.
type ReadTimeoutError struct {
	Timeout time.Duration
	err     error
}

func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf("mllp: read timed out after %s", e.Timeout)
}

func (e *ReadTimeoutError) Unwrap() error { return e.err }

// deadlineReader is the subset of net.Conn the decoder uses for timeouts.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxMessageSize caps the payload size per frame.
func WithMaxMessageSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// WithReadTimeout bounds how long Next waits for a complete frame. Effective
// only when the underlying reader supports read deadlines (net.Conn does).
func WithReadTimeout(timeout time.Duration) DecoderOption {
	return func(d *Decoder) { d.readTimeout = timeout }
}

// Decoder reads MLLP frames from a byte stream. It is not safe for
// concurrent use; every connection gets its own decoder.
type Decoder struct {
	br          *bufio.Reader
	dl          deadlineReader // nil when r has no deadlines
	maxSize     int
	readTimeout time.Duration
	resync      bool // skip to the next start byte before reading
}

// NewDecoder wraps r. If r is a net.Conn (or anything with SetReadDeadline),
// WithReadTimeout is honoured.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		br:      bufio.NewReader(r),
		maxSize: DefaultMaxMessageSize,
	}
	if dl, ok := r.(deadlineReader); ok {
		d.dl = dl
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Next returns the next frame's payload. io.EOF signals a clean end of
// stream between frames. Frame-level failures return *FramingError,
// *TruncatedError, *MessageTooLargeError or *ReadTimeoutError; after any of
// them the decoder discards input up to the next start byte, so the caller
// may keep reading the same stream.
func (d *Decoder) Next() ([]byte, error) {
	if d.dl != nil && d.readTimeout > 0 {
		if err := d.dl.SetReadDeadline(time.Now().Add(d.readTimeout)); err != nil {
			return nil, err
		}
	}

	if d.resync {
		if err := d.skipToStart(); err != nil {
			return nil, d.wrapTimeout(err)
		}
		d.resync = false
	} else {
		b, err := d.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, d.wrapTimeout(err)
		}
		if b != StartByte {
			d.resync = true
			return nil, &FramingError{Got: b}
		}
	}

	payload := make([]byte, 0, 4096)
	for {
		b, err := d.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &TruncatedError{Read: len(payload)}
			}
			return nil, d.wrapTimeout(err)
		}
		if b == EndByte {
			break
		}
		if len(payload) >= d.maxSize {
			d.discardFrame()
			return nil, &MessageTooLargeError{Size: len(payload) + 1, Max: d.maxSize}
		}
		payload = append(payload, b)
	}

	// The trailing CR is required; its absence is a truncation.
	b, err := d.br.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &TruncatedError{Read: len(payload)}
		}
		return nil, d.wrapTimeout(err)
	}
	if b != TrailingByte {
		d.resync = true
		return nil, &FramingError{Got: b}
	}
	return payload, nil
}

// skipToStart discards bytes until a start byte has been consumed.
func (d *Decoder) skipToStart() error {
	for {
		b, err := d.br.ReadByte()
		if err != nil {
			return err
		}
		if b == StartByte {
			return nil
		}
	}
}

// discardFrame eats the rest of an oversized frame so the stream stays
// aligned. Stops after the end-byte/CR pair or at stream end.
func (d *Decoder) discardFrame() {
	for {
		b, err := d.br.ReadByte()
		if err != nil {
			return
		}
		if b == EndByte {
			// Best effort on the trailing CR.
			if nb, err := d.br.ReadByte(); err == nil && nb != TrailingByte {
				_ = d.br.UnreadByte()
			}
			return
		}
	}
}

func (d *Decoder) wrapTimeout(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &ReadTimeoutError{Timeout: d.readTimeout, err: err}
	}
	return err
}

// Encode frames a payload: start byte, payload, end byte, carriage return.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, StartByte)
	out = append(out, payload...)
	out = append(out, EndByte, TrailingByte)
	return out
}

// Writer frames payloads onto a stream.
type Writer struct {
	w io.Writer
}

// NewWriter returns a framing writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes one framed payload. The write is a single Write call so
// a frame is never interleaved with another writer on the same connection.
func (w *Writer) WriteFrame(payload []byte) error {
	_, err := w.w.Write(Encode(payload))
	return err
}
