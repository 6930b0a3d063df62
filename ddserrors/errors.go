// Provides common dds errors definitions and the error codes carried on the wire.
package ddserrors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

var (
	ErrSyncLost     = errors.New("dds: sync pattern lost")
	ErrBadLength    = errors.New("dds: bad message length")
	ErrShortBody    = errors.New("dds: short message body")
	ErrBadMessage   = errors.New("dds: bad message format")
	ErrUnexpected   = errors.New("dds: unexpected message type")
	ErrDisabled     = errors.New("dds: server disabled")
	ErrServerFull   = errors.New("dds: too many clients")
	ErrClosed       = errors.New("dds: session closed")
	ErrNotLoggedIn  = errors.New("dds: not logged in")
	ErrNoSearch     = errors.New("dds: no search criteria")
	ErrUnavailable  = errors.New("dds: archive unavailable")
	ErrBadCriteria  = errors.New("dds: bad search criteria")
	ErrTimeout      = errors.New("dds: retrieval timed out")
	ErrUntilReached = errors.New("dds: until time reached")
	ErrNotFound     = errors.New("dds: not found")
)

// Server error codes. The numeric values are part of the wire contract.
type Code int

const (
	DSUCCESS       Code = 0
	DDDSINTERNAL   Code = 1
	DBADSINCE      Code = 2
	DBADUNTIL      Code = 3
	DBADNLIST      Code = 4
	DBADADDR       Code = 5
	DBADCHANNEL    Code = 6
	DBADKEYWORD    Code = 7
	DNOCRITERIA    Code = 8
	DBADSEARCHCRIT Code = 9
	DNOTATTACHED   Code = 10
	DMSGTIMEOUT    Code = 11
	DNONETLIST     Code = 12
	DBADDCPNAME    Code = 13
	DNOSUCHUSER    Code = 14
	DDDSAUTHFAILED Code = 15
	DTOOMANYCLI    Code = 16
	DDISABLED      Code = 17
	DBADTYPE       Code = 18
	DARCERROR      Code = 19
	DUNTIL         Code = 25
)

var codeNames = map[Code]string{
	DSUCCESS:       "DSUCCESS",
	DDDSINTERNAL:   "DDDSINTERNAL",
	DBADSINCE:      "DBADSINCE",
	DBADUNTIL:      "DBADUNTIL",
	DBADNLIST:      "DBADNLIST",
	DBADADDR:       "DBADADDR",
	DBADCHANNEL:    "DBADCHANNEL",
	DBADKEYWORD:    "DBADKEYWORD",
	DNOCRITERIA:    "DNOCRITERIA",
	DBADSEARCHCRIT: "DBADSEARCHCRIT",
	DNOTATTACHED:   "DNOTATTACHED",
	DMSGTIMEOUT:    "DMSGTIMEOUT",
	DNONETLIST:     "DNONETLIST",
	DBADDCPNAME:    "DBADDCPNAME",
	DNOSUCHUSER:    "DNOSUCHUSER",
	DDDSAUTHFAILED: "DDDSAUTHFAILED",
	DTOOMANYCLI:    "DTOOMANYCLI",
	DDISABLED:      "DDISABLED",
	DBADTYPE:       "DBADTYPE",
	DARCERROR:      "DARCERROR",
	DUNTIL:         "DUNTIL",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "D" + strconv.Itoa(int(c))
}

// ServerError is an error reply as carried in a message body:
// "?code,errno,text".
type ServerError struct {
	Code  Code
	Errno int
	Msg   string
}

func NewServerError(code Code, format string, args ...any) *ServerError {
	return &ServerError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("dds: server error %s(%d): %s", e.Code, e.Code, e.Msg)
}

// Is matches ServerErrors by code and maps the two retrieval codes
// onto ErrTimeout and ErrUntilReached.
func (e *ServerError) Is(target error) bool {
	switch t := target.(type) {
	case *ServerError:
		return t.Code == e.Code
	}
	switch target {
	case ErrTimeout:
		return e.Code == DMSGTIMEOUT
	case ErrUntilReached:
		return e.Code == DUNTIL
	}
	return false
}

func (e *ServerError) Body() []byte {
	return []byte(fmt.Sprintf("?%d,%d,%s", e.Code, e.Errno, e.Msg))
}

func ParseServerError(body []byte) (*ServerError, error) {
	s := string(body)
	if !strings.HasPrefix(s, "?") {
		return nil, ErrBadMessage
	}
	parts := strings.SplitN(s[1:], ",", 3)
	if len(parts) < 2 {
		return nil, ErrBadMessage
	}
	code, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, ErrBadMessage
	}
	errno, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, ErrBadMessage
	}
	se := &ServerError{Code: Code(code), Errno: errno}
	if len(parts) == 3 {
		se.Msg = parts[2]
	}
	return se, nil
}

// CodeOf extracts the server error code, DDDSINTERNAL for foreign errors.
func CodeOf(err error) Code {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	return DDDSINTERNAL
}

type Class int

const (
	ClassNone Class = iota
	// Transient errors are retried without tearing down the connection.
	ClassTransient
	// Protocol errors drop the connection; clients reconnect.
	ClassProtocol
	// Terminal errors end a retrieval successfully.
	ClassTerminal
	// Fatal errors are never retried.
	ClassFatal
	// Exhausted covers admission and duplicate-session policy.
	ClassExhausted
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassProtocol:
		return "protocol"
	case ClassTerminal:
		return "terminal"
	case ClassFatal:
		return "fatal"
	case ClassExhausted:
		return "exhausted"
	}
	return "unknown"
}

func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return ClassTransient
	case errors.Is(err, ErrUntilReached):
		return ClassTerminal
	case errors.Is(err, ErrServerFull), errors.Is(err, ErrDisabled):
		return ClassExhausted
	case errors.Is(err, ErrSyncLost), errors.Is(err, ErrBadLength),
		errors.Is(err, ErrShortBody), errors.Is(err, ErrBadMessage),
		errors.Is(err, ErrUnexpected), errors.Is(err, ErrClosed),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return ClassProtocol
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassProtocol
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return ClassProtocol
	}
	var se *ServerError
	if errors.As(err, &se) {
		switch se.Code {
		case DTOOMANYCLI, DDISABLED:
			return ClassExhausted
		}
	}
	return ClassFatal
}
