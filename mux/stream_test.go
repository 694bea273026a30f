package mux

import (
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"

	"github.com/podfirst/node-av-go/avcore"
)

func TestFilterStreamCopyDropsNonKeyframesBeforeFirstKeyframe(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	ms := newMuxStream(0, nil)
	var offsetSet bool
	var offset int64

	nonKey := newTestPacket(t, 0)
	defer nonKey.Free()
	require.False(t, ms.filterStreamCopy(nonKey, &offsetSet, &offset, false))
	require.False(t, offsetSet)

	key := newTestPacket(t, 5)
	key.SetFlags(key.Flags() | astiav.PacketFlagKey)
	defer key.Free()
	require.True(t, ms.filterStreamCopy(key, &offsetSet, &offset, false))
	require.True(t, offsetSet)
	require.Equal(t, int64(5), offset)
	require.Equal(t, int64(0), key.Dts()) // shifted by the offset it itself established
}

func TestFilterStreamCopyHonorsCopyInitialNonKeyframes(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	ms := newMuxStream(0, nil)
	ms.copyOpts.CopyInitialNonKeyframes = true
	var offsetSet bool
	var offset int64

	p := newTestPacket(t, 7)
	defer p.Free()
	require.True(t, ms.filterStreamCopy(p, &offsetSet, &offset, false))
}

func TestFilterStreamCopyAudioForcesPTSEqualDTS(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	ms := newMuxStream(0, nil)
	var offsetSet bool
	var offset int64

	p := newTestPacket(t, 3)
	p.SetFlags(p.Flags() | astiav.PacketFlagKey)
	p.SetPts(9) // deliberately different from DTS before the audio override
	defer p.Free()
	require.True(t, ms.filterStreamCopy(p, &offsetSet, &offset, true))
	require.Equal(t, p.Dts(), p.Pts())
}

func TestMedianOf3RepairsDTSGreaterThanPTS(t *testing.T) {
	require.Equal(t, int64(4), medianOf3(2, 9, 4))
}

func TestCompareTSOrdersAcrossDifferentTimebases(t *testing.T) {
	tbA := avcore.NewRational(1, 90000)
	tbB := avcore.NewRational(1, 48000)
	// 90000 ticks at 1/90000 = 1s; 40000 ticks at 1/48000 < 1s.
	require.Equal(t, 1, avcore.CompareTS(90000, tbA, 40000, tbB))
}
