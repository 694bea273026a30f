package mux

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"

	"github.com/podfirst/node-av-go/avcore"
)

func newTestInputStream(t *testing.T, mediaType astiav.MediaType) *astiav.Stream {
	t.Helper()
	fc := astiav.AllocFormatContext()
	require.NotNil(t, fc)
	s := fc.NewStream(nil)
	require.NotNil(t, s)
	s.CodecParameters().SetMediaType(mediaType)
	s.SetTimeBase(astiav.NewRational(1, 1000))
	return s
}

func newTestMuxer(t *testing.T) *Muxer {
	t.Helper()
	of := astiav.FindOutputFormat("null")
	require.NotNil(t, of, "\"null\" output format not registered")
	fc, err := astiav.AllocOutputFormatContext(of, "", "")
	require.NoError(t, err)
	require.NotNil(t, fc)
	m, err := NewMuxer(MuxerConfig{FormatContext: fc, PreMuxByteThreshold: 1 << 20, PreMuxPacketThreshold: 1024})
	require.NoError(t, err)
	return m
}

func TestAddStreamRejectedAfterFirstPacket(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	m := newTestMuxer(t)
	defer m.Close()
	in := newTestInputStream(t, astiav.MediaTypeVideo)
	_, err := m.AddStream(StreamAddOptions{Input: in})
	require.NoError(t, err)

	p := newTestPacket(t, 0)
	p.SetFlags(p.Flags() | astiav.PacketFlagKey)
	defer p.Free()
	require.NoError(t, m.WritePacket(context.Background(), 0, p))

	_, err = m.AddStream(StreamAddOptions{Input: in})
	require.Error(t, err)
	require.Equal(t, avcore.KindProtocol, avcore.KindOf(err))
}

func TestWritePacketRejectsOutOfRangeStreamIndex(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	m := newTestMuxer(t)
	defer m.Close()
	err := m.WritePacket(context.Background(), 3, nil)
	require.Error(t, err)
}

func TestSingleStreamCopyPipelineWritesHeaderThenTrailerExactlyOnce(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	m := newTestMuxer(t)
	in := newTestInputStream(t, astiav.MediaTypeVideo)
	_, err := m.AddStream(StreamAddOptions{Input: in})
	require.NoError(t, err)

	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		p := newTestPacket(t, i*1000)
		p.SetFlags(p.Flags() | astiav.PacketFlagKey)
		require.NoError(t, m.WritePacket(ctx, 0, p))
		p.Free()
	}
	require.NoError(t, m.WritePacket(ctx, 0, nil))

	stats := m.Stats()
	require.True(t, stats.HeaderWritten)
	require.Equal(t, int64(3), stats.PacketsWritten)

	require.NoError(t, m.Close())
	require.True(t, m.Stats().TrailerWritten)
	require.NoError(t, m.Close(), "Close must be idempotent")
}
