package api

import (
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestFromSyscallMapping(t *testing.T) {
	tests := []struct {
		in   error
		want *Error
		down DownCode
	}{
		{unix.ECONNREFUSED, ErrConnRefused, DownRefused},
		{unix.ECONNRESET, ErrConnReset, DownReset},
		{unix.EPIPE, ErrConnReset, DownHangup},
		{unix.ETIMEDOUT, ErrTimeout, DownTimedOut},
		{os.ErrDeadlineExceeded, ErrTimeout, DownTimedOut},
		{unix.ENOSPC, ErrServerBusy, DownError},
		{unix.EPROTO, ErrProtocol, DownError},
		{io.EOF, ErrConnReset, DownReset},
		{errors.New("disk on fire"), ErrIO, DownError},
	}
	for _, tt := range tests {
		err := FromSyscall("op", tt.in)
		assert.True(t, errors.Is(err, tt.want), "%v -> %v", tt.in, err)
		assert.True(t, errors.Is(err, tt.in), "cause of %v lost", tt.in)
		assert.Equal(t, tt.down, DownCodeOf(err), "%v", tt.in)
	}
	assert.Nil(t, FromSyscall("op", nil))
	assert.True(t, IsHangup(FromSyscall("write", unix.EPIPE)))
	assert.False(t, IsHangup(FromSyscall("write", unix.ECONNRESET)))

	coded := NewError(ErrCodeBusy, "busy")
	assert.Same(t, coded, FromSyscall("op", coded))
}

func TestFromConnect(t *testing.T) {
	assert.True(t, errors.Is(FromConnect("dial", unix.ENOENT), ErrConnRefused))
	assert.True(t, errors.Is(FromConnect("dial", unix.EAGAIN), ErrServerBusy))
	assert.True(t, errors.Is(FromConnect("dial", unix.ECONNREFUSED), ErrConnRefused))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeOK, CodeOf(nil))
	assert.Equal(t, ErrCodeTimeout, CodeOf(fmt.Errorf("wrapped: %w", ErrTimeout)))
	assert.Equal(t, ErrIO.Code, CodeOf(errors.New("foreign")))
	assert.Equal(t, "i/o error", ErrCodeIO.String())
}

func TestErrorContext(t *testing.T) {
	err := Wrap(ErrCodeProtocol, "bad frame", io.ErrUnexpectedEOF).WithContext("tag", 7)
	assert.Contains(t, err.Error(), "bad frame: unexpected EOF")
	assert.Contains(t, err.Error(), "tag:7")
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
