package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RetryableFollowsCode(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
	}{
		{CodeIllegalTransition, false},
		{CodeConcurrentModification, true},
		{CodeIdempotencyKeyConflict, false},
		{CodeLedgerInProgress, true},
		{CodePersistenceUnavailable, true},
		{CodeLeaseLost, false},
		{CodeNotFound, false},
		{CodeRateLimited, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.retryable, New(tt.code, "x").Retryable)
		})
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := New(CodeIllegalTransition, "no rule").With("event", "APPROVE")
	wrapped := fmt.Errorf("apply: %w", err)

	assert.True(t, errors.Is(wrapped, ErrIllegalTransition))
	assert.False(t, errors.Is(wrapped, ErrConcurrentModification))
}

func TestError_MessageIncludesDetails(t *testing.T) {
	err := New(CodeIllegalTransition, "no rule").
		With("from_state", "PAID").
		With("event", "PARTIAL_PAY")

	assert.Equal(t, "ILLEGAL_TRANSITION: no rule (event=PARTIAL_PAY, from_state=PAID)", err.Error())
}

func TestError_WithDoesNotMutateReceiver(t *testing.T) {
	base := New(CodeNotFound, "missing")
	_ = base.With("entity_id", "42")

	assert.Empty(t, base.Details)
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := Wrap(CodePersistenceUnavailable, cause, "read instance")

	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsRetryable(err))
}

func TestFrom_ClassifiesUnstructuredErrors(t *testing.T) {
	assert.Nil(t, From(nil))

	structured := New(CodeNotFound, "missing")
	assert.Same(t, structured, From(fmt.Errorf("wrap: %w", structured)))

	plain := From(errors.New("boom"))
	assert.Equal(t, CodePersistenceUnavailable, plain.Code)
	assert.True(t, plain.Retryable)
}

func TestError_JSONRoundTripPreservesReplayedFields(t *testing.T) {
	original := New(CodeIllegalTransition, "no rule").With("current_state", "PAID")

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var replayed Error
	require.NoError(t, json.Unmarshal(data, &replayed))

	assert.Equal(t, original.Code, replayed.Code)
	assert.Equal(t, original.Message, replayed.Message)
	assert.Equal(t, original.Details, replayed.Details)
	assert.Equal(t, original.Error(), replayed.Error())
}

func TestAsReplay_MarksCopyOnly(t *testing.T) {
	original := New(CodeIllegalTransition, "no rule").With("current_state", "PAID")
	replay := original.AsReplay()

	assert.True(t, IsReplayed(replay))
	assert.True(t, IsReplayed(fmt.Errorf("handle: %w", replay)))
	assert.False(t, IsReplayed(original))
	assert.False(t, IsReplayed(errors.New("plain")))

	data, err := json.Marshal(replay)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "replay")

	var decoded Error
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.False(t, IsReplayed(&decoded))
}
