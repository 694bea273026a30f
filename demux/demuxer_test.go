package demux

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
)

func skipIfNoFFmpegLibs(t *testing.T) {
	t.Helper()
	if astiav.FindInputFormat("lavfi") == nil {
		t.Skip("\"lavfi\" input format not registered; FFmpeg libs unavailable")
	}
}

func TestOpenSynthesizedTestSource(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	d, err := Open(context.Background(), Config{
		URL:         "testsrc=size=64x64:rate=1:duration=1",
		InputFormat: astiav.FindInputFormat("lavfi"),
	})
	require.NoError(t, err)
	defer d.Close()

	require.NotEmpty(t, d.Streams())
	require.NotNil(t, d.VideoStream())
	require.Nil(t, d.AudioStream())

	count := 0
	for pkt := range d.Packets(context.Background()) {
		if pkt == nil {
			break
		}
		count++
		pkt.Free()
	}
	require.Greater(t, count, 0)
}

func TestResolveURLHandlesRelativeSegmentPaths(t *testing.T) {
	got := resolveURL("https://example.com/live/stream/index.m3u8", "variant_720p.m3u8")
	require.Equal(t, "https://example.com/live/stream/variant_720p.m3u8", got)
}
