// Package dcp holds the telemetry message model shared by the archive,
// the search engine and both ends of the wire.
package dcp

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drpcorg/dds/ddserrors"
)

// Address is a platform (DCP) address, conventionally written as 8 hex
// digits.
type Address uint32

func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || len(s) == 0 || len(s) > 8 {
		return 0, fmt.Errorf("%w: address %q", ddserrors.ErrBadMessage, s)
	}
	return Address(v), nil
}

func (a Address) String() string {
	return fmt.Sprintf("%08X", uint32(a))
}

type Flags uint32

const (
	SrcMask Flags = 0x000F

	SrcDomsat   Flags = 0x0000
	SrcDrgs     Flags = 0x0001
	SrcNoaaport Flags = 0x0002
	SrcLrit     Flags = 0x0003
	SrcDds      Flags = 0x0004
	SrcNetDcp   Flags = 0x0005
	SrcIridium  Flags = 0x0006
	SrcEdl      Flags = 0x0007

	FlagDuplicate   Flags = 0x0010
	FlagMissing     Flags = 0x0020
	FlagParityError Flags = 0x0040

	BaudMask    Flags = 0x0300
	BaudUnknown Flags = 0x0000
	Baud100     Flags = 0x0100
	Baud300     Flags = 0x0200
	Baud1200    Flags = 0x0300

	FlagDeleted Flags = 0x1000
)

var sourceNames = []struct {
	name string
	src  Flags
}{
	{"DOMSAT", SrcDomsat},
	{"DRGS", SrcDrgs},
	{"NOAAPORT", SrcNoaaport},
	{"LRIT", SrcLrit},
	{"DDS", SrcDds},
	{"NETDCP", SrcNetDcp},
	{"IRIDIUM", SrcIridium},
	{"EDL", SrcEdl},
}

func ParseSource(s string) (Flags, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, sn := range sourceNames {
		if sn.name == s {
			return sn.src, true
		}
	}
	// GOES is the satellite family, DOMSAT is its default feed
	if s == "GOES" {
		return SrcDomsat, true
	}
	return 0, false
}

func SourceName(src Flags) string {
	src &= SrcMask
	for _, sn := range sourceNames {
		if sn.src == src {
			return sn.name
		}
	}
	return "SRC" + strconv.Itoa(int(src))
}

func (f Flags) Source() Flags { return f & SrcMask }
func (f Flags) Baud() Flags   { return f & BaudMask }

func BaudFlags(baud int) (Flags, bool) {
	switch baud {
	case 0:
		return BaudUnknown, true
	case 100:
		return Baud100, true
	case 300:
		return Baud300, true
	case 1200:
		return Baud1200, true
	}
	return 0, false
}

// Index is the lightweight locator kept by the archive for every message.
type Index struct {
	Seq         uint64
	Address     Address
	LocalRecv   time.Time
	Xmit        time.Time
	Flags       Flags
	Channel     uint16
	FailureCode byte
}

// Msg is an immutable message: the index plus the raw platform data.
type Msg struct {
	Index
	Data []byte
}

// IsGood reports a message without transmission failures.
func (x Index) IsGood() bool {
	return x.FailureCode == 'G' || x.FailureCode == '?' || x.FailureCode == 0
}

// IsWest reports the spacecraft: even channels are transmitted to GOES West.
func (x Index) IsWest() bool {
	return x.Channel%2 == 0
}

const EncodedHeaderLength = 40

func timeNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// AppendMsg appends the binary form of m:
// seq u64 | recv i64 | xmit i64 | flags u32 | addr u32 | chan u16 |
// failure u8 | reserved u8 | datalen u32 | data
func AppendMsg(buf []byte, m Msg) []byte {
	buf = binary.BigEndian.AppendUint64(buf, m.Seq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timeNanos(m.LocalRecv)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(timeNanos(m.Xmit)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.Flags))
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.Address))
	buf = binary.BigEndian.AppendUint16(buf, m.Channel)
	buf = append(buf, m.FailureCode, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Data)))
	return append(buf, m.Data...)
}

func EncodedLen(m Msg) int {
	return EncodedHeaderLength + len(m.Data)
}

// TakeMsg decodes one message from the head of data and returns the rest.
func TakeMsg(data []byte) (m Msg, rest []byte, err error) {
	if len(data) < EncodedHeaderLength {
		return m, data, fmt.Errorf("%w: message header %d bytes", ddserrors.ErrBadMessage, len(data))
	}
	m.Seq = binary.BigEndian.Uint64(data[0:8])
	m.LocalRecv = nanosTime(int64(binary.BigEndian.Uint64(data[8:16])))
	m.Xmit = nanosTime(int64(binary.BigEndian.Uint64(data[16:24])))
	m.Flags = Flags(binary.BigEndian.Uint32(data[24:28]))
	m.Address = Address(binary.BigEndian.Uint32(data[28:32]))
	m.Channel = binary.BigEndian.Uint16(data[32:34])
	m.FailureCode = data[34]
	dl := int(binary.BigEndian.Uint32(data[36:40]))
	if dl > len(data)-EncodedHeaderLength {
		return m, data, fmt.Errorf("%w: message data %d > %d", ddserrors.ErrBadMessage, dl, len(data)-EncodedHeaderLength)
	}
	m.Data = append([]byte(nil), data[EncodedHeaderLength:EncodedHeaderLength+dl]...)
	return m, data[EncodedHeaderLength+dl:], nil
}

func DecodeMsg(data []byte) (Msg, error) {
	m, rest, err := TakeMsg(data)
	if err == nil && len(rest) != 0 {
		err = fmt.Errorf("%w: %d trailing bytes", ddserrors.ErrBadMessage, len(rest))
	}
	return m, err
}

// BlockTarget is the body size a block reply is filled up to.
const BlockTarget = 99000

func AppendBlock(buf []byte, msgs []Msg) []byte {
	for _, m := range msgs {
		buf = AppendMsg(buf, m)
	}
	return buf
}

func DecodeBlock(data []byte) (msgs []Msg, err error) {
	for len(data) > 0 {
		var m Msg
		if m, data, err = TakeMsg(data); err != nil {
			return msgs, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
