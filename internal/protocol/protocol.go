package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Wire format: [length:u32 BE][payload]
const (
	HeaderLen   = 4
	MaxFrameLen = math.MaxUint32
)

var (
	ErrFrameTooLarge   = errors.New("protocol: frame too large")
	ErrIncompleteFrame = errors.New("protocol: incomplete frame")
)

// IncompleteFrameError reports a stream that ended before a full header or
// payload arrived. Err is io.EOF when no byte of the frame was received and
// io.ErrUnexpectedEOF otherwise.
type IncompleteFrameError struct {
	Part string // "header" or "payload"
	Want int
	Err  error
}

func (e *IncompleteFrameError) Error() string {
	return fmt.Sprintf("protocol: incomplete frame: stream ended in %s (want %d bytes)", e.Part, e.Want)
}

func (e *IncompleteFrameError) Is(target error) bool { return target == ErrIncompleteFrame }

func (e *IncompleteFrameError) Unwrap() error { return e.Err }

// EncodeHeader returns the length header for a payload of n bytes.
func EncodeHeader(n uint64) ([HeaderLen]byte, error) {
	var h [HeaderLen]byte
	if n > MaxFrameLen {
		return h, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	binary.BigEndian.PutUint32(h[:], uint32(n))
	return h, nil
}

// DecodeHeader interprets a header as the payload length.
func DecodeHeader(h [HeaderLen]byte) uint32 {
	return binary.BigEndian.Uint32(h[:])
}

// Encode returns payload prefixed with its length header.
func Encode(payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderLen+len(payload)), payload)
}

// AppendFrame appends the encoded frame for payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	h, err := EncodeHeader(uint64(len(payload)))
	if err != nil {
		return dst, err
	}
	dst = append(dst, h[:]...)
	return append(dst, payload...), nil
}

// ReadFrame reads a single frame from r. A non-zero limit rejects announced
// lengths above it before the payload buffer is allocated.
func ReadFrame(r io.Reader, limit uint32) ([]byte, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &IncompleteFrameError{Part: "header", Want: HeaderLen, Err: err}
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	length := DecodeHeader(header)
	if limit > 0 && length > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFrameTooLarge, length, limit)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, &IncompleteFrameError{Part: "payload", Want: int(length), Err: io.ErrUnexpectedEOF}
			}
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return payload, nil
}

// WriteFrame writes a single frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	header, err := EncodeHeader(uint64(len(payload)))
	if err != nil {
		return err
	}
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}
