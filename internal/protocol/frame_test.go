package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_Sequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameTypeEvent, []byte(`{"event":"ping"}`)))
	require.NoError(t, WriteFrame(&buf, FrameTypePong, nil))

	typ, body, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeEvent, typ)
	assert.Equal(t, `{"event":"ping"}`, string(body))

	typ, body, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameTypePong, typ)
	assert.Empty(t, body)

	_, _, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_TruncatedBody(t *testing.T) {
	header := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint32(header, 10)
	header[4] = FrameTypeEvent

	_, _, err := ReadFrame(bytes.NewReader(append(header, 'x', 'y')))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrame_TooLarge(t *testing.T) {
	header := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint32(header, MaxFrameBody+1)

	_, _, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	assert.ErrorIs(t, WriteFrame(io.Discard, FrameTypeEvent, make([]byte, MaxFrameBody+1)), ErrFrameTooLarge)
}
