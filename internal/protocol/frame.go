package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FrameHeaderSize is 4 bytes big-endian body length plus 1 byte frame type.
	FrameHeaderSize = 5

	// MaxFrameBody bounds a single frame body.
	MaxFrameBody = 64 * 1024
)

// Frame types on stream transports.
const (
	FrameTypeEvent byte = 1
	FrameTypePing  byte = 2
	FrameTypePong  byte = 3
)

var ErrFrameTooLarge = errors.New("frame body exceeds limit")

// WriteFrame writes header and body in a single call so concurrent control
// writes cannot interleave inside a frame.
func WriteFrame(w io.Writer, frameType byte, body []byte) error {
	if len(body) > MaxFrameBody {
		return ErrFrameTooLarge
	}
	buf := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	buf[4] = frameType
	copy(buf[FrameHeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. io.EOF is returned untouched when the stream ends
// on a frame boundary.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length > MaxFrameBody {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return header[4], body, nil
}
