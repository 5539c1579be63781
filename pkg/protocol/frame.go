package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameLen bounds the payload length of a single frame.
const MaxFrameLen = 16 << 20

// ErrFrameTooLarge is returned when a frame header announces a payload
// larger than MaxFrameLen.
var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// Reader reads length-delimited CBOR frames from a byte stream. A frame is a
// four byte big-endian payload length followed by the payload.
//
// ReadFrame returns io.EOF only when the stream ends cleanly on a frame
// boundary; a stream truncated inside a frame yields io.ErrUnexpectedEOF.
type Reader struct {
	r   io.Reader
	buf []byte
}

// NewReader creates a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame returns the payload of the next frame. The returned slice is
// only valid until the next call.
func (r *Reader) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if uint32(cap(r.buf)) < n {
		r.buf = make([]byte, n)
	}
	buf := r.buf[:n]
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// ReadServer reads and decodes the next gateway message.
func (r *Reader) ReadServer() (ServerMessage, error) {
	var m ServerMessage
	b, err := r.ReadFrame()
	if err != nil {
		return m, err
	}
	if err := cbor.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode server message: %w", err)
	}
	return m, nil
}

// ReadClient reads and decodes the next agent message.
func (r *Reader) ReadClient() (ClientMessage, error) {
	var m ClientMessage
	b, err := r.ReadFrame()
	if err != nil {
		return m, err
	}
	if err := cbor.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode client message: %w", err)
	}
	return m, nil
}

// Writer writes length-delimited CBOR frames to a byte stream. Each frame is
// written with a single Write call.
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter creates a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes payload as a single frame.
func (w *Writer) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	need := 4 + len(payload)
	if cap(w.buf) < need {
		w.buf = make([]byte, need)
	}
	buf := w.buf[:need]
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.w.Write(buf)
	return err
}

// WriteServer encodes and writes a gateway message.
func (w *Writer) WriteServer(m ServerMessage) error {
	b, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode server message: %w", err)
	}
	return w.WriteFrame(b)
}

// WriteClient encodes and writes an agent message.
func (w *Writer) WriteClient(m ClientMessage) error {
	b, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode client message: %w", err)
	}
	return w.WriteFrame(b)
}
