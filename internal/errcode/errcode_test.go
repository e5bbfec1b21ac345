package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeValues(t *testing.T) {
	testCases := []struct {
		code Code
		want uint32
	}{
		{InvalidArgs, 0x81000001},
		{NotExist, 0x8100000A},
		{AlreadyExist, 0x8100000B},
		{Busy, 0x81000010},
		{FriendOffline, 0x81000022},
		{Unknown, 0x810000FF},
		{Make(FacilityICE, 0x01), 0x85000001},
	}

	for _, tc := range testCases {
		t.Run(tc.code.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, uint32(tc.code))
		})
	}

	assert.Equal(t, FacilityGeneral, NotExist.Facility())
	assert.Equal(t, uint8(0x0A), NotExist.Value())
}

func TestErrorKindMatching(t *testing.T) {
	err := WithCode(ErrSelfReference, NotExist, "label %s", "abc")
	wrapped := fmt.Errorf("outer: %w", err)

	require.ErrorIs(t, wrapped, ErrSelfReference)
	assert.NotErrorIs(t, wrapped, ErrNotFriend)
	assert.Equal(t, NotExist, Of(wrapped))
	assert.Equal(t, ClassRelationship, ClassOf(wrapped))
}

func TestOfDefaults(t *testing.T) {
	assert.Equal(t, Code(0), Of(nil))
	assert.Equal(t, InvalidArgs, Of(ErrSelfReference))
	assert.Equal(t, Busy, Of(New(ErrWouldBlock, "write")))
	assert.Equal(t, Unknown, Of(errors.New("plain")))
	assert.True(t, Transient(New(ErrWouldBlock, "")))
	assert.False(t, Transient(ErrLinkLost))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrPortAlloc, cause, "listen 127.0.0.1:1")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrPortAlloc)
	assert.Contains(t, err.Error(), "connection refused")
}
