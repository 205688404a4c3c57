package uringrt

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredError(t *testing.T) {
	err := NewError("recv", CodeOSFailure, "peer reset")
	assert.Equal(t, "recv", err.Op)
	assert.Equal(t, CodeOSFailure, err.Code)
	assert.Equal(t, "uringrt: recv: peer reset", err.Error())
}

func TestWrapErrno(t *testing.T) {
	err := WrapErrno("send", syscall.EPIPE)
	assert.Equal(t, syscall.EPIPE, err.Errno)
	assert.Equal(t, CodeOSFailure, err.Code)
	assert.Contains(t, err.Error(), "errno=")
}

func TestWrapError(t *testing.T) {
	err := WrapError("close", syscall.EBADF)
	assert.Equal(t, CodeProgrammingError, err.Code)
	assert.Equal(t, syscall.EBADF, err.Errno)
	assert.True(t, errors.Is(err, syscall.EBADF))
}

func TestWrapErrorNilIsNil(t *testing.T) {
	assert.Nil(t, WrapError("op", nil))
}

func TestIsCode(t *testing.T) {
	err := NewError("submit", CodeSubmissionOverflow, "ring full")
	assert.True(t, IsCode(err, CodeSubmissionOverflow))
	assert.False(t, IsCode(err, CodeOSFailure))
	assert.False(t, IsCode(nil, CodeSubmissionOverflow))
}

func TestIsErrno(t *testing.T) {
	err := WrapErrno("recv", syscall.ECONNRESET)
	assert.True(t, IsErrno(err, syscall.ECONNRESET))
	assert.False(t, IsErrno(err, syscall.EPIPE))
	assert.False(t, IsErrno(nil, syscall.ECONNRESET))
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		errno    syscall.Errno
		expected Code
	}{
		{syscall.ECONNRESET, CodeOSFailure},
		{syscall.EPIPE, CodeOSFailure},
		{syscall.EAGAIN, CodeOSFailure},
		{syscall.EINVAL, CodeProgrammingError},
		{syscall.EBADF, CodeProgrammingError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, mapErrnoToCode(tc.errno))
	}
}

func TestTemporary(t *testing.T) {
	assert.True(t, Temporary(syscall.EINTR))
	assert.True(t, Temporary(syscall.EAGAIN))
	assert.False(t, Temporary(syscall.ECONNRESET))
}
