package filter

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
)

func skipIfNoFFmpegLibs(t *testing.T) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("skipping: FFmpeg shared libraries unavailable (%v)", r)
		}
	}()
	if f := astiav.FindFilterByName("null"); f == nil {
		t.Skip("skipping: \"null\" filter not registered, FFmpeg libraries unavailable")
	}
}

func newTestVideoFrame(t *testing.T, pts int64) *astiav.Frame {
	t.Helper()
	f := astiav.AllocFrame()
	f.SetWidth(16)
	f.SetHeight(16)
	f.SetPixelFormat(astiav.PixelFormatYuv420P)
	f.SetTimeBase(astiav.NewRational(1, 25))
	f.SetPts(pts)
	require.NoError(t, f.AllocBuffer(1))
	return f
}

func TestGraphNullPassthroughCFR(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	g := NewGraph(GraphConfig{
		Kind:       KindVideo,
		Expression: "null",
		RateMode:   RateModeCFR,
		Framerate:  astiav.NewRational(25, 1),
	})
	defer g.Close()
	ctx := context.Background()

	var ptsIn, ptsOut []int64
	for i := int64(0); i < 3; i++ {
		f := newTestVideoFrame(t, i)
		ptsIn = append(ptsIn, f.Pts())
		frames, err := g.ProcessAll(ctx, f)
		f.Free()
		require.NoError(t, err)
		for _, of := range frames {
			ptsOut = append(ptsOut, of.Pts())
			of.Free()
		}
	}
	require.NoError(t, g.Flush(ctx))
	frames, err := g.drainAvailable(ctx)
	require.NoError(t, err)
	for _, of := range frames {
		ptsOut = append(ptsOut, of.Pts())
		of.Free()
	}

	require.Equal(t, ptsIn, ptsOut)
}

func TestGraphParamChangeFailByDefault(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	g := NewGraph(GraphConfig{
		Kind:       KindVideo,
		Expression: "null",
		RateMode:   RateModeVFR,
	})
	defer g.Close()
	ctx := context.Background()

	f1 := newTestVideoFrame(t, 0)
	_, err := g.ProcessAll(ctx, f1)
	f1.Free()
	require.NoError(t, err)

	f2 := astiav.AllocFrame()
	f2.SetWidth(32)
	f2.SetHeight(32)
	f2.SetPixelFormat(astiav.PixelFormatYuv420P)
	f2.SetTimeBase(astiav.NewRational(1, 25))
	f2.SetPts(1)
	require.NoError(t, f2.AllocBuffer(1))
	defer f2.Free()

	_, err = g.ProcessAll(ctx, f2)
	require.Error(t, err)
}

func TestGraphFlushBeforeAnyFrameIsImmediateEOF(t *testing.T) {
	g := NewGraph(GraphConfig{Kind: KindVideo, Expression: "null", RateMode: RateModeVFR})
	require.NoError(t, g.Flush(context.Background()))
}
