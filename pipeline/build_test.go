package pipeline

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
)

func TestBuildWithNoStagesPassesPacketsThrough(t *testing.T) {
	src := make(chan *astiav.Packet)
	close(src)

	c, err := Build(context.Background(), src)
	require.NoError(t, err)
	require.NotNil(t, c.Packets())
	require.Nil(t, c.Frames())
}

func TestBuildRejectsEmptyStage(t *testing.T) {
	src := make(chan *astiav.Packet)
	close(src)

	_, err := Build(context.Background(), src, Stage{})
	require.Error(t, err)
}
