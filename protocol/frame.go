/*
Package protocol implements the DDS message envelope.

# Frame Format

Every message on the wire is a fixed 10-byte header followed by the body:

	+--------+------+-------+-----------------+------------------+
	| "FAF0" | type | flags | length (uint32) | body (length B)  |
	+--------+------+-------+-----------------+------------------+
	  4 B      1 B    1 B     4 B big-endian

The type is an ASCII letter (see the Type constants). Bit 0 of flags
marks an error reply whose body is "?code,errno,text".

# Resynchronization

If the four bytes at the read position are not the sync pattern, the
reader slides a 4-byte window one byte at a time, reusing the bytes it has
already read, until the pattern is found. The number of bytes skipped is
reported to the caller. A short body after a valid header is fatal and is
never treated as a resync condition.

Example Usage

	br := bufio.NewReader(conn)
	msg, skipped, err := protocol.ReadMessage(br)

	err = protocol.WriteMessage(conn, protocol.Message{Type: protocol.TypeDcpMsg, Body: body})
*/
package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/drpcorg/dds/ddserrors"
)

const (
	SyncLength   = 4
	HeaderLength = 10
	// MaxBodyLength bounds a single frame; a block of messages is ~99KB.
	MaxBodyLength = 1 << 20
	// MaxResyncBytes bounds how much garbage ReadMessage will skip.
	MaxResyncBytes = 1 << 20
)

var Sync = [SyncLength]byte{'F', 'A', 'F', '0'}

type Type byte

const (
	TypeHello      Type = 'a'
	TypeGoodbye    Type = 'b'
	TypeStatus     Type = 'c'
	TypeStart      Type = 'd'
	TypeStop       Type = 'e'
	TypeDcpMsg     Type = 'f'
	TypeCriteria   Type = 'g'
	TypeGetNetlist Type = 'h'
	TypePutNetlist Type = 'i'
	TypeAuthHello  Type = 'm'
	TypeDcpBlock   Type = 'n'
)

var typeNames = map[Type]string{
	TypeHello:      "hello",
	TypeGoodbye:    "goodbye",
	TypeStatus:     "status",
	TypeStart:      "start",
	TypeStop:       "stop",
	TypeDcpMsg:     "dcpmsg",
	TypeCriteria:   "criteria",
	TypeGetNetlist: "getnetlist",
	TypePutNetlist: "putnetlist",
	TypeAuthHello:  "authhello",
	TypeDcpBlock:   "dcpblock",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%q)", byte(t))
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

const FlagError byte = 1

type Message struct {
	Type  Type
	Flags byte
	Body  []byte
}

func (m Message) IsError() bool {
	return m.Flags&FlagError != 0
}

// ErrorMessage builds an error reply of the given type.
func ErrorMessage(t Type, se *ddserrors.ServerError) Message {
	return Message{Type: t, Flags: FlagError, Body: se.Body()}
}

// ServerError parses the body of an error reply.
func (m Message) ServerError() *ddserrors.ServerError {
	if !m.IsError() {
		return nil
	}
	se, err := ddserrors.ParseServerError(m.Body)
	if err != nil {
		return &ddserrors.ServerError{Code: ddserrors.DDDSINTERNAL, Msg: string(m.Body)}
	}
	return se
}

// ProbeHeader validates a complete header and extracts type, flags and
// body length.
func ProbeHeader(hdr []byte) (t Type, flags byte, bodylen int, err error) {
	if len(hdr) < HeaderLength {
		return 0, 0, 0, io.ErrUnexpectedEOF
	}
	if !bytes.Equal(hdr[:SyncLength], Sync[:]) {
		return 0, 0, 0, ddserrors.ErrSyncLost
	}
	l := binary.BigEndian.Uint32(hdr[6:10])
	if l > MaxBodyLength {
		return 0, 0, 0, fmt.Errorf("%w: %d", ddserrors.ErrBadLength, l)
	}
	return Type(hdr[4]), hdr[5], int(l), nil
}

// AppendMessage appends the encoded frame to buf.
func AppendMessage(buf []byte, m Message) []byte {
	buf = append(buf, Sync[:]...)
	buf = append(buf, byte(m.Type), m.Flags)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Body)))
	return append(buf, m.Body...)
}

// WriteMessage writes one frame in a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Body) > MaxBodyLength {
		return fmt.Errorf("%w: %d", ddserrors.ErrBadLength, len(m.Body))
	}
	buf := AppendMessage(make([]byte, 0, HeaderLength+len(m.Body)), m)
	_, err := w.Write(buf)
	return err
}

// IsMessageAvailable reports, without blocking, whether a whole header
// is already buffered.
func IsMessageAvailable(br *bufio.Reader) bool {
	return br.Buffered() >= HeaderLength
}

// ReadMessage blocks until a whole frame is read. skipped is the number
// of garbage bytes dropped while resynchronizing.
func ReadMessage(br *bufio.Reader) (m Message, skipped int, err error) {
	var hdr [HeaderLength]byte
	if _, err = io.ReadFull(br, hdr[:SyncLength]); err != nil {
		return m, 0, err
	}
	for !bytes.Equal(hdr[:SyncLength], Sync[:]) {
		if skipped >= MaxResyncBytes {
			return m, skipped, ddserrors.ErrSyncLost
		}
		var b byte
		if b, err = br.ReadByte(); err != nil {
			if err == io.EOF {
				err = fmt.Errorf("%w after %d bytes: %w", ddserrors.ErrSyncLost, skipped, io.ErrUnexpectedEOF)
			}
			return m, skipped, err
		}
		copy(hdr[0:3], hdr[1:4])
		hdr[3] = b
		skipped++
	}
	if _, err = io.ReadFull(br, hdr[SyncLength:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return m, skipped, err
	}
	var bodylen int
	m.Type, m.Flags, bodylen, err = ProbeHeader(hdr[:])
	if err != nil {
		return m, skipped, err
	}
	m.Body = make([]byte, bodylen)
	if _, err = io.ReadFull(br, m.Body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, skipped, fmt.Errorf("%w: %w", ddserrors.ErrShortBody, err)
	}
	return m, skipped, nil
}

// Protocol versions negotiated in the hello exchange.
const (
	VersionBasic   = 3
	VersionIridium = 10
	VersionNetDcp  = 12
	VersionBlocks  = 13
	VersionCurrent = 14
)
