package mux

import (
	"errors"
	"testing"

	"github.com/podfirst/node-av-go/avcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateGuardTransitions(t *testing.T) {
	var g stateGuard
	require.Equal(t, StateOpened, g.snapshot())
	require.True(t, g.isOpen())

	require.True(t, g.compareAndSet(StateOpened, StateHeaderPending))
	require.False(t, g.isOpen())
	require.False(t, g.compareAndSet(StateOpened, StateHeaderWritten), "stale compare-and-set must not fire twice")
	require.Equal(t, StateHeaderPending, g.snapshot())
}

func TestStateGuardFaultIsSticky(t *testing.T) {
	var g stateGuard
	cause := errors.New("writer exploded")
	err := g.fault("mux.Muxer.WritePacket", avcore.KindWriter, cause)
	require.Error(t, err)
	assert.Equal(t, avcore.KindWriter, avcore.KindOf(err))
	assert.Equal(t, StateClosed, g.snapshot())
}

func TestMedianOf3(t *testing.T) {
	cases := []struct{ a, b, c, want int64 }{
		{1, 2, 3, 2},
		{3, 2, 1, 2},
		{5, 5, 5, 5},
		{-10, 0, 10, 0},
	}
	for _, c := range cases {
		require.Equal(t, c.want, medianOf3(c.a, c.b, c.c))
	}
}
