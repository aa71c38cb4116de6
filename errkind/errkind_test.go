package errkind_test

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"code.dopame.me/veonik/klaver/errkind"
)

func TestKindOf(t *testing.T) {
	err := errkind.New(errkind.ConnectionFailed, "dial", io.EOF)
	wrapped := errors.Wrap(err, "fetch")

	assert.Equal(t, errkind.ConnectionFailed, errkind.KindOf(wrapped))
	assert.True(t, errkind.Is(wrapped, errkind.ConnectionFailed))
	assert.False(t, errkind.Is(wrapped, errkind.Cancelled))
	assert.Equal(t, errkind.Unknown, errkind.KindOf(io.EOF))
	assert.Equal(t, errkind.Unknown, errkind.KindOf(nil))
}

func TestError_Is(t *testing.T) {
	err := errors.Wrap(errkind.Errorf(errkind.Cancelled, "read", "aborted by %s", "caller"), "body")

	assert.True(t, errors.Is(err, errkind.ErrCancelled))
	assert.False(t, errors.Is(err, errkind.ErrTimeout))
	assert.EqualError(t, err, "body: read: cancelled: aborted by caller")
}

func TestError_Unwrap(t *testing.T) {
	err := errkind.New(errkind.ProtocolError, "read head", io.ErrUnexpectedEOF)

	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, io.ErrUnexpectedEOF, errors.Cause(err))
}

func TestKind_Ident(t *testing.T) {
	assert.Equal(t, "TlsFailed", errkind.TLSFailed.Ident())
	assert.Equal(t, "InvalidUrl", errkind.InvalidURL.Ident())
	assert.Equal(t, "Unknown", errkind.Kind(200).Ident())
	assert.Equal(t, "kind(200)", errkind.Kind(200).String())
}
