package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastStoreErrorScoping(t *testing.T) {
	err := broadcastStoreError(errStore(errors.New("write lost")), "g1")
	var gameErr *GameError
	require.ErrorAs(t, err, &gameErr)
	assert.True(t, gameErr.Broadcast)
	assert.Equal(t, "g1", gameErr.SessionID)
	assert.Equal(t, CodeStoreError, gameErr.Code)
}

func TestBroadcastStoreErrorLeavesOtherCodesLocal(t *testing.T) {
	err := broadcastStoreError(errNotFound(), "g1")
	var gameErr *GameError
	require.ErrorAs(t, err, &gameErr)
	assert.False(t, gameErr.Broadcast)
	assert.Empty(t, gameErr.SessionID)

	plain := errors.New("socket torn")
	assert.Equal(t, plain, broadcastStoreError(plain, "g1"))
}
