package archive

import (
	"encoding/binary"
	"time"

	"github.com/drpcorg/dds/dcp"
)

// Key layout, all integers big-endian:
//
//	I recv(8) seq(8)          -> record without data, time index
//	A addr(4) recv(8) seq(8)  -> record without data, address index
//	M seq(8)                  -> full record
//	H hash(8)                 -> seq(8), duplicate detection
//	L user                    -> recv(8), since-last marker
//	N user 0 name             -> netlist text
//	S                         -> last assigned seq(8)
const (
	prefixTime    = 'I'
	prefixAddr    = 'A'
	prefixMsg     = 'M'
	prefixHash    = 'H'
	prefixMarker  = 'L'
	prefixNetlist = 'N'
	prefixSeq     = 'S'
)

var seqKey = []byte{prefixSeq}

func nanos(t time.Time) uint64 {
	if t.IsZero() || t.UnixNano() < 0 {
		return 0
	}
	return uint64(t.UnixNano())
}

func timeKey(recv time.Time, seq uint64) []byte {
	k := make([]byte, 0, 17)
	k = append(k, prefixTime)
	k = binary.BigEndian.AppendUint64(k, nanos(recv))
	return binary.BigEndian.AppendUint64(k, seq)
}

func addrKey(addr dcp.Address, recv time.Time, seq uint64) []byte {
	k := make([]byte, 0, 21)
	k = append(k, prefixAddr)
	k = binary.BigEndian.AppendUint32(k, uint32(addr))
	k = binary.BigEndian.AppendUint64(k, nanos(recv))
	return binary.BigEndian.AppendUint64(k, seq)
}

// addrUpper is the exclusive upper bound of an address's range.
func addrUpper(addr dcp.Address, until time.Time) []byte {
	if until.IsZero() {
		k := []byte{prefixAddr}
		k = binary.BigEndian.AppendUint32(k, uint32(addr))
		return append(k, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	}
	return addrKey(addr, until, 0)
}

func msgKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixMsg}, seq)
}

func hashKey(h uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixHash}, h)
}

func markerKey(user string) []byte {
	return append([]byte{prefixMarker}, user...)
}

func netlistKey(user, name string) []byte {
	k := append([]byte{prefixNetlist}, user...)
	k = append(k, 0)
	return append(k, name...)
}

// successor returns the smallest key greater than k.
func successor(k []byte) []byte {
	return append(append([]byte(nil), k...), 0)
}

func prefixEnd(p byte) []byte {
	return []byte{p + 1}
}
