package codec

import (
	"errors"
	"fmt"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Run("nil is output", func(t *testing.T) {
		status, fatal := classify(nil)
		assert.Equal(t, StatusOutput, status)
		assert.NoError(t, fatal)
	})

	t.Run("eagain is need more input", func(t *testing.T) {
		status, fatal := classify(fmt.Errorf("wrapped: %w", astiav.ErrEagain))
		assert.Equal(t, StatusNeedMoreInput, status)
		assert.NoError(t, fatal)
	})

	t.Run("eof is end of stream", func(t *testing.T) {
		status, fatal := classify(fmt.Errorf("wrapped: %w", astiav.ErrEof))
		assert.Equal(t, StatusEndOfStream, status)
		assert.NoError(t, fatal)
	})

	t.Run("anything else is fatal", func(t *testing.T) {
		cause := errors.New("invalid data found when processing input")
		_, fatal := classify(cause)
		assert.ErrorIs(t, fatal, cause)
	})
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateFresh:       "fresh",
		StateInitialized: "initialized",
		StateFlushing:    "flushing",
		StateDrained:     "drained",
		StateFaulted:     "faulted",
		State(99):        "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestLifecycleFaultIsSticky(t *testing.T) {
	var l lifecycle
	assert.NoError(t, l.checkUsable())

	cause := errors.New("boom")
	err := l.fault("codec.Test", 0, cause)
	assert.ErrorIs(t, err, cause)

	err2 := l.checkUsable()
	assert.ErrorIs(t, err2, cause)
	assert.Equal(t, StateFaulted, l.snapshotState())
}
