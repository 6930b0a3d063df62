package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/drpcorg/dds/ddserrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	msgs := []Message{
		{Type: TypeHello, Body: []byte("alice 14")},
		{Type: TypeDcpMsg, Body: bytes.Repeat([]byte{0xFA, 'F', 0, '0'}, 1000)},
		{Type: TypeGoodbye},
		{Type: TypeDcpMsg, Flags: FlagError, Body: []byte("?11,0,timeout")},
	}
	var buf bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, WriteMessage(&buf, m))
	}
	br := bufio.NewReader(&buf)
	for _, want := range msgs {
		got, skipped, err := ReadMessage(br)
		require.NoError(t, err)
		assert.Equal(t, 0, skipped)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Flags, got.Flags)
		assert.Equal(t, len(want.Body), len(got.Body))
		assert.True(t, bytes.Equal(want.Body, got.Body))
	}
	_, _, err := ReadMessage(br)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameHeaderLayout(t *testing.T) {
	buf := AppendMessage(nil, Message{Type: TypeCriteria, Body: []byte("abc")})
	assert.Equal(t, HeaderLength+3, len(buf))
	assert.Equal(t, "FAF0", string(buf[:4]))
	assert.Equal(t, byte('g'), buf[4])
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(buf[6:10]))
}

func TestFrameResync(t *testing.T) {
	for _, k := range []int{1, 3, 4, 7, 100} {
		garbage := bytes.Repeat([]byte{'F'}, k)
		garbage[k-1] = 'A' // a partial sync prefix must not confuse the window
		var buf bytes.Buffer
		buf.Write(garbage)
		require.NoError(t, WriteMessage(&buf, Message{Type: TypeStatus, Body: []byte("ok")}))

		m, skipped, err := ReadMessage(bufio.NewReader(&buf))
		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, k, skipped)
		assert.Equal(t, TypeStatus, m.Type)
		assert.Equal(t, "ok", string(m.Body))
	}
}

func TestFrameResyncExhausted(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader([]byte("garbage without any sync")))
	_, skipped, err := ReadMessage(br)
	assert.ErrorIs(t, err, ddserrors.ErrSyncLost)
	assert.Equal(t, len("garbage without any sync")-SyncLength, skipped)
}

func TestFrameShortBody(t *testing.T) {
	buf := AppendMessage(nil, Message{Type: TypeDcpMsg, Body: []byte("0123456789")})
	br := bufio.NewReader(bytes.NewReader(buf[:len(buf)-4]))
	_, _, err := ReadMessage(br)
	assert.ErrorIs(t, err, ddserrors.ErrShortBody)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameBadLength(t *testing.T) {
	hdr := []byte{'F', 'A', 'F', '0', 'f', 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(hdr[6:], MaxBodyLength+1)
	_, _, err := ReadMessage(bufio.NewReader(bytes.NewReader(hdr)))
	assert.ErrorIs(t, err, ddserrors.ErrBadLength)

	err = WriteMessage(io.Discard, Message{Type: TypeDcpMsg, Body: make([]byte, MaxBodyLength+1)})
	assert.ErrorIs(t, err, ddserrors.ErrBadLength)
}

func TestIsMessageAvailable(t *testing.T) {
	buf := AppendMessage(nil, Message{Type: TypeHello, Body: []byte("u")})
	br := bufio.NewReader(bytes.NewReader(buf))
	assert.False(t, IsMessageAvailable(br))
	_, err := br.Peek(1)
	require.NoError(t, err)
	assert.True(t, IsMessageAvailable(br))
}

func TestErrorMessage(t *testing.T) {
	m := ErrorMessage(TypeDcpMsg, ddserrors.NewServerError(ddserrors.DUNTIL, "until reached"))
	assert.True(t, m.IsError())
	se := m.ServerError()
	require.NotNil(t, se)
	assert.Equal(t, ddserrors.DUNTIL, se.Code)
	assert.Nil(t, Message{Type: TypeDcpMsg}.ServerError())
	assert.Equal(t, "dcpmsg", TypeDcpMsg.String())
	assert.False(t, Type('z').Valid())
}
