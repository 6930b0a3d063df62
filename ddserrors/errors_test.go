package ddserrors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerErrorBody(t *testing.T) {
	se := NewServerError(DMSGTIMEOUT, "no message within %d seconds", 10)
	body := se.Body()
	assert.Equal(t, "?11,0,no message within 10 seconds", string(body))

	parsed, err := ParseServerError(body)
	require.NoError(t, err)
	assert.Equal(t, DMSGTIMEOUT, parsed.Code)
	assert.Equal(t, "no message within 10 seconds", parsed.Msg)

	_, err = ParseServerError([]byte("11,0,x"))
	assert.ErrorIs(t, err, ErrBadMessage)
	_, err = ParseServerError([]byte("?x,0"))
	assert.ErrorIs(t, err, ErrBadMessage)
}

func TestServerErrorIs(t *testing.T) {
	timeout := fmt.Errorf("get: %w", &ServerError{Code: DMSGTIMEOUT})
	assert.ErrorIs(t, timeout, ErrTimeout)
	assert.NotErrorIs(t, timeout, ErrUntilReached)
	assert.ErrorIs(t, timeout, &ServerError{Code: DMSGTIMEOUT})

	until := &ServerError{Code: DUNTIL}
	assert.ErrorIs(t, until, ErrUntilReached)
	assert.Equal(t, DUNTIL, CodeOf(until))
	assert.Equal(t, DDDSINTERNAL, CodeOf(errors.New("x")))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNone, Classify(nil))
	assert.Equal(t, ClassTransient, Classify(&ServerError{Code: DMSGTIMEOUT}))
	assert.Equal(t, ClassTerminal, Classify(&ServerError{Code: DUNTIL}))
	assert.Equal(t, ClassProtocol, Classify(io.EOF))
	assert.Equal(t, ClassProtocol, Classify(fmt.Errorf("read: %w", ErrSyncLost)))
	assert.Equal(t, ClassExhausted, Classify(ErrServerFull))
	assert.Equal(t, ClassExhausted, Classify(&ServerError{Code: DTOOMANYCLI}))
	assert.Equal(t, ClassFatal, Classify(&ServerError{Code: DBADKEYWORD}))
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "DUNTIL", DUNTIL.String())
}
