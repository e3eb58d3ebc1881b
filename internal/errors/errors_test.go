package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageError(t *testing.T) {
	base := errors.New("network down")
	err := NewStageError(StageSync, "conv-1", base)

	assert.ErrorIs(t, err, base)
	assert.Equal(t, "sync failed for conversation conv-1: network down", err.Error())

	stage, ok := StageOf(fmt.Errorf("wrapped: %w", err))
	assert.True(t, ok)
	assert.Equal(t, StageSync, stage)
	assert.Equal(t, "network down", Message(err))
}

func TestNewStageErrorNil(t *testing.T) {
	assert.NoError(t, NewStageError(StageSend, "conv-1", nil))
	assert.Equal(t, "", Message(nil))

	_, ok := StageOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestStageErrorWithoutConversation(t *testing.T) {
	err := NewStageError(StageCreate, "", ErrNoAddresses)
	assert.ErrorIs(t, err, ErrNoAddresses)
	assert.Equal(t, "create failed: no addresses provided for group creation", err.Error())
}
