package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoomError_ErrorMessageWithoutWrappedCause(t *testing.T) {
	err := NewError(ErrNotFound, "room not found")
	assert.Equal(t, "room not found", err.Error())
}

func TestRoomError_ErrorMessageIncludesWrappedCause(t *testing.T) {
	cause := errors.New("boom")
	err := WrapError(ErrInternal, "plugin init failed", cause)
	assert.Equal(t, "plugin init failed: boom", err.Error())
}

func TestRoomError_UnwrapReturnsWrappedCause(t *testing.T) {
	cause := errors.New("boom")
	err := WrapError(ErrInternal, "plugin init failed", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestRoomError_UnwrapNilWhenNotWrapped(t *testing.T) {
	err := NewError(ErrConflict, "bad state")
	assert.Nil(t, errors.Unwrap(err))
}

func TestRoomError_ErrorsAsMatchesByCode(t *testing.T) {
	err := NewError(ErrDuplicate, "already processed")
	var re *RoomError
	require := assert.New(t)
	require.True(errors.As(err, &re))
	require.Equal(ErrDuplicate, re.Code)
}

func TestRoomState_ExpiredReportsPastTTL(t *testing.T) {
	past := RoomState{ExpiresAt: time.Now().Add(-time.Minute)}
	future := RoomState{ExpiresAt: time.Now().Add(time.Minute)}

	assert.True(t, past.Expired(time.Now()))
	assert.False(t, future.Expired(time.Now()))
}
