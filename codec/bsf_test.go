package codec_test

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podfirst/node-av-go/codec"
)

// TestBSFNullPassthrough is scenario S5 from spec §8: every packet fed to
// the "null" bitstream filter emerges from Packets/ProcessAll unchanged.
func TestBSFNullPassthrough(t *testing.T) {
	skipIfNoFFmpegLibs(t)
	ctx := context.Background()

	b, err := codec.NewBSF("null", codec.BSFConfig{})
	require.NoError(t, err)
	defer b.Close()

	in := make(chan *astiav.Packet, 4)
	for i := 0; i < 3; i++ {
		p := astiav.AllocPacket()
		require.NoError(t, p.AllocBuffer(16))
		p.SetPts(int64(i * 1000))
		p.SetDts(int64(i * 1000))
		in <- p
	}
	in <- nil
	close(in)

	var seen int
	var sawTerminalNil bool
	for p := range b.Packets(ctx, in) {
		if p == nil {
			sawTerminalNil = true
			continue
		}
		assert.Equal(t, int64(seen*1000), p.Pts())
		p.Free()
		seen++
	}
	assert.Equal(t, 3, seen)
	assert.True(t, sawTerminalNil)
}

func TestBSFFlushTwiceIsIdempotent(t *testing.T) {
	skipIfNoFFmpegLibs(t)
	ctx := context.Background()

	b, err := codec.NewBSF("null", codec.BSFConfig{})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Flush(ctx))
	require.NoError(t, b.Flush(ctx))
}
