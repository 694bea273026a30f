package filter

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
)

func newTestAudioFrame(t *testing.T, pts int64) *astiav.Frame {
	t.Helper()
	f := astiav.AllocFrame()
	f.SetSampleFormat(astiav.SampleFormatFltp)
	f.SetSampleRate(48000)
	f.SetChannelLayout(astiav.ChannelLayoutMono)
	f.SetNbSamples(1024)
	f.SetTimeBase(astiav.NewRational(1, 48000))
	f.SetPts(pts)
	require.NoError(t, f.AllocBuffer(0))
	return f
}

func TestComplexGraphWaitsForEveryInputBeforeBuilding(t *testing.T) {
	skipIfNoFFmpegLibs(t)
	if f := astiav.FindFilterByName("amix"); f == nil {
		t.Skip("amix filter not registered")
	}

	g := NewComplexGraph(ComplexGraphConfig{
		Expression: "[a][b]amix=inputs=2[out]",
		Inputs: []ComplexInput{
			{Label: "a", Kind: KindAudio},
			{Label: "b", Kind: KindAudio},
		},
		Outputs: []ComplexOutput{{Label: "out", Kind: KindAudio}},
	})
	defer g.Close()
	ctx := context.Background()

	idxA, ok := g.InputIndex("a")
	require.True(t, ok)
	idxB, ok := g.InputIndex("b")
	require.True(t, ok)

	fa := newTestAudioFrame(t, 0)
	require.NoError(t, g.Process(ctx, idxA, fa))
	require.Nil(t, g.graph, "graph must not be built before every input has a frame")

	fb := newTestAudioFrame(t, 0)
	require.NoError(t, g.Process(ctx, idxB, fb))
	require.NotNil(t, g.graph, "graph must be built once every input has a frame")

	require.NoError(t, g.FlushInput(ctx, idxA))
	require.NoError(t, g.FlushInput(ctx, idxB))

	frames, err := g.DrainAvailable(ctx, 0)
	require.NoError(t, err)
	for _, f := range frames {
		f.Free()
	}
}

func TestComplexGraphUnknownLabelErrors(t *testing.T) {
	g := NewComplexGraph(ComplexGraphConfig{
		Expression: "[a]anull[out]",
		Inputs:     []ComplexInput{{Label: "a", Kind: KindAudio}},
		Outputs:    []ComplexOutput{{Label: "out", Kind: KindAudio}},
	})
	f := newTestAudioFrame(t, 0)
	defer f.Free()
	err := g.ProcessByLabel(context.Background(), "nope", f)
	require.Error(t, err)
}
