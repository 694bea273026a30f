// Package filter implements the filter-graph adapters of spec §4.3/§4.4
// (components C3 and C4): Graph wraps a single-input/single-output FFmpeg
// filter graph built lazily from the first frame; ComplexGraph generalizes
// it to multiple labeled inputs/outputs.
package filter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/podfirst/node-av-go/avcore"
	"github.com/podfirst/node-av-go/internal/xlog"
)

// Kind distinguishes a video graph (buffer/buffersink, CFR/VFR timebase
// rules) from an audio graph (abuffer/abuffersink, 1/sample_rate timebase).
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

// RateMode selects how spec §4.3 step 1 computes a video input's timebase.
// Meaningless for audio graphs.
type RateMode int

const (
	// RateModeCFR requires Framerate to be set; timebase is 1/framerate.
	RateModeCFR RateMode = iota
	// RateModeVFR uses the first frame's own declared timebase.
	RateModeVFR
)

// ParamChangePolicy selects spec §4.3's reaction to a later frame whose
// format/dimensions/sample-rate/channel-count differ from the first frame
// that configured the graph (spec §8 testable property 7).
type ParamChangePolicy int

const (
	// ParamChangeFail fails Process when parameters change (the default:
	// silent re-negotiation is rarely what a caller wants).
	ParamChangeFail ParamChangePolicy = iota
	// ParamChangeDrop silently drops the changed frame.
	ParamChangeDrop
	// ParamChangeReinit rebuilds the graph from the changed frame.
	ParamChangeReinit
)

// GraphConfig configures a single-input/single-output filter graph.
type GraphConfig struct {
	Kind       Kind
	Expression string

	RateMode  RateMode
	Framerate astiav.Rational // required when RateMode == RateModeCFR

	HardwareDeviceContext *astiav.HardwareDeviceContext
	ExtraHWFrames         int

	ParamChange ParamChangePolicy

	Logger *slog.Logger
}

type frameProps struct {
	format        int32
	width, height int
	sampleRate    int
	channels      int
}

func propsOf(f *astiav.Frame) frameProps {
	if f.Width() > 0 || f.Height() > 0 {
		return frameProps{format: int32(f.PixelFormat()), width: f.Width(), height: f.Height()}
	}
	return frameProps{format: int32(f.SampleFormat()), sampleRate: f.SampleRate(), channels: f.ChannelLayout().Channels()}
}

func (p frameProps) equal(o frameProps) bool { return p == o }

// Graph is the C3 adapter: a lazily-configured single-input, single-output
// filter graph.
type Graph struct {
	avcore.Lifecycle
	cfg    GraphConfig
	logger *slog.Logger

	graph       *astiav.FilterGraph
	buffersrc   *astiav.FilterContext
	buffersink  *astiav.FilterContext
	inTimeBase  astiav.Rational
	firstProps  frameProps
	outFrameRt  astiav.Rational
}

// NewGraph constructs an unconfigured Graph; Configure happens lazily on the
// first Process call per spec §4.3.
func NewGraph(cfg GraphConfig) *Graph {
	return &Graph{cfg: cfg, logger: xlog.OrDefault(cfg.Logger)}
}

// TimeBase reports the buffersink's output timebase. It is only meaningful
// once the graph has been configured (state != StateFresh). It is the only
// buffersink getter on Graph: there are none for frame rate, formats,
// dimensions, sample rate, channel layout or sample aspect ratio.
func (g *Graph) TimeBase() astiav.Rational { return g.buffersink.TimeBase() }

func (g *Graph) buildFromFirstFrame(f *astiav.Frame) error {
	tb, err := g.computeInputTimeBase(f)
	if err != nil {
		return err
	}
	g.inTimeBase = tb
	g.firstProps = propsOf(f)

	g.graph = astiav.AllocFilterGraph()
	if g.graph == nil {
		return fmt.Errorf("AllocFilterGraph returned nil")
	}

	srcName, args := g.buffersrcSpec(f, tb)
	srcFilter := astiav.FindFilterByName(srcName)
	if srcFilter == nil {
		return fmt.Errorf("filter %q not registered", srcName)
	}
	buffersrc, err := g.graph.NewFilterContext(srcFilter, "in", args)
	if err != nil {
		return fmt.Errorf("creating %s context: %w", srcName, err)
	}
	g.buffersrc = buffersrc

	sinkName := "buffersink"
	if g.cfg.Kind == KindAudio {
		sinkName = "abuffersink"
	}
	sinkFilter := astiav.FindFilterByName(sinkName)
	if sinkFilter == nil {
		return fmt.Errorf("filter %q not registered", sinkName)
	}
	buffersink, err := g.graph.NewFilterContext(sinkFilter, "out", "")
	if err != nil {
		return fmt.Errorf("creating %s context: %w", sinkName, err)
	}
	g.buffersink = buffersink

	inputs := astiav.AllocFilterInOut()
	defer inputs.Free()
	inputs.SetName("out")
	inputs.SetFilterContext(buffersink)
	inputs.SetPadIdx(0)
	inputs.SetNext(nil)

	outputs := astiav.AllocFilterInOut()
	defer outputs.Free()
	outputs.SetName("in")
	outputs.SetFilterContext(buffersrc)
	outputs.SetPadIdx(0)
	outputs.SetNext(nil)

	propagateHardwareDevice(g.graph, g.cfg.HardwareDeviceContext, g.cfg.ExtraHWFrames)

	if err := g.graph.Parse(g.cfg.Expression, inputs, outputs); err != nil {
		return fmt.Errorf("parsing filter expression %q: %w", g.cfg.Expression, err)
	}
	if err := g.graph.Configure(); err != nil {
		return fmt.Errorf("configuring filter graph: %w", err)
	}
	return nil
}

// computeInputTimeBase implements spec §4.3 step 1.
func (g *Graph) computeInputTimeBase(f *astiav.Frame) (astiav.Rational, error) {
	if g.cfg.Kind == KindAudio {
		return astiav.NewRational(1, f.SampleRate()), nil
	}
	switch g.cfg.RateMode {
	case RateModeCFR:
		if g.cfg.Framerate.Num() == 0 {
			return astiav.Rational{}, fmt.Errorf("filter.Graph: CFR mode requires a Framerate")
		}
		return avcore.Invert(g.cfg.Framerate), nil
	default:
		return f.TimeBase(), nil
	}
}

func (g *Graph) buffersrcSpec(f *astiav.Frame, tb astiav.Rational) (name, args string) {
	if g.cfg.Kind == KindAudio {
		return "abuffer", fmt.Sprintf("time_base=%d/%d:sample_rate=%d:sample_fmt=%s:channel_layout=%s",
			tb.Num(), tb.Den(), f.SampleRate(), f.SampleFormat().Name(), f.ChannelLayout().String())
	}
	sar := f.SampleAspectRatio()
	return "buffer", fmt.Sprintf("video_size=%dx%d:pix_fmt=%d:time_base=%d/%d:pixel_aspect=%d/%d",
		f.Width(), f.Height(), int32(f.PixelFormat()), tb.Num(), tb.Den(), sar.Num(), sar.Den())
}

func propagateHardwareDevice(g *astiav.FilterGraph, hw *astiav.HardwareDeviceContext, extraFrames int) {
	if hw == nil {
		return
	}
	for _, fc := range g.Filters() {
		if fc.Filter().Flags()&astiav.FilterFlagHardwareDevice != 0 {
			fc.SetHardwareDeviceContext(hw)
			if extraFrames > 0 {
				fc.SetExtraHWFrames(extraFrames)
			}
		}
	}
}

func (g *Graph) ensureConfigured(ctx context.Context, f *astiav.Frame) error {
	if g.TransitionIf(avcore.StateFresh, avcore.StateInitialized) {
		if err := g.buildFromFirstFrame(f); err != nil {
			return g.Fault("filter.Graph.Process", avcore.KindInit, err)
		}
		return nil
	}
	return g.CheckUsable()
}

// Process submits one frame, configuring the graph from it if this is the
// first call. Subsequent frames are rescaled into the calculated timebase
// (spec §4.3 "Timestamp handling") and checked against the parameter-change
// policy.
func (g *Graph) Process(ctx context.Context, f *astiav.Frame) error {
	first := g.SnapshotState() == avcore.StateFresh
	if err := g.ensureConfigured(ctx, f); err != nil {
		return err
	}
	if !first {
		props := propsOf(f)
		if !props.equal(g.firstProps) {
			switch g.cfg.ParamChange {
			case ParamChangeDrop:
				return nil
			case ParamChangeReinit:
				g.Transition(avcore.StateFresh)
				if err := g.ensureConfigured(ctx, f); err != nil {
					return err
				}
				first = true
			default:
				return avcore.Wrap("filter.Graph.Process", avcore.KindCodecFatal,
					fmt.Errorf("frame parameters changed (%+v -> %+v) and ParamChange policy is Fail", g.firstProps, props))
			}
		}
	}
	if !first {
		f.SetPts(avcore.RescaleQ(f.Pts(), f.TimeBase(), g.inTimeBase))
		if f.Duration() > 0 {
			f.SetDuration(avcore.RescaleQ(f.Duration(), f.TimeBase(), g.inTimeBase))
		}
		f.SetTimeBase(g.inTimeBase)
	}
	flags := astiav.NewBuffersrcFlags(astiav.BuffersrcFlagKeepRef, astiav.BuffersrcFlagPush)
	if err := g.buffersrc.BuffersrcAddFrame(f, flags); err != nil {
		return g.Fault("filter.Graph.Process", avcore.KindCodecFatal, err)
	}
	return nil
}

// Receive pulls one output frame from the buffersink.
func (g *Graph) Receive(ctx context.Context, out *astiav.Frame) (avcore.Status, error) {
	if err := g.CheckUsable(); err != nil {
		return avcore.StatusOutput, err
	}
	err := g.buffersink.BuffersinkGetFrame(out, astiav.NewBuffersinkFlags())
	status, fatal := classify(err)
	if fatal != nil {
		return status, g.Fault("filter.Graph.Receive", avcore.KindCodecFatal, fatal)
	}
	if status == avcore.StatusOutput {
		out.SetTimeBase(g.buffersink.TimeBase())
		if g.cfg.Kind == KindVideo && out.Duration() == 0 {
			rt := g.buffersink.FrameRate()
			if rt.Num() != 0 {
				out.SetDuration(avcore.RescaleQ(1, avcore.Invert(rt), out.TimeBase()))
			}
		}
	}
	if status == avcore.StatusEndOfStream {
		g.Transition(avcore.StateDrained)
	}
	return status, nil
}

// Flush signals end-of-input.
func (g *Graph) Flush(ctx context.Context) error {
	if g.SnapshotState() == avcore.StateFresh {
		g.Transition(avcore.StateDrained)
		return nil
	}
	if err := g.CheckUsable(); err != nil {
		return err
	}
	g.Transition(avcore.StateFlushing)
	if err := g.buffersrc.BuffersrcAddFrame(nil, astiav.NewBuffersrcFlags()); err != nil {
		_, fatal := classify(err)
		if fatal != nil {
			return g.Fault("filter.Graph.Flush", avcore.KindCodecFatal, fatal)
		}
	}
	return nil
}

// ProcessAll issues Process then drains every output currently available.
func (g *Graph) ProcessAll(ctx context.Context, f *astiav.Frame) ([]*astiav.Frame, error) {
	if err := g.Process(ctx, f); err != nil {
		return nil, err
	}
	return g.drainAvailable(ctx)
}

func (g *Graph) drainAvailable(ctx context.Context) ([]*astiav.Frame, error) {
	var out []*astiav.Frame
	for {
		f := astiav.AllocFrame()
		status, err := g.Receive(ctx, f)
		if err != nil {
			f.Free()
			return out, err
		}
		if status != avcore.StatusOutput {
			f.Free()
			return out, nil
		}
		out = append(out, f)
	}
}

// Frames mirrors codec.Decoder.Frames: a channel of input frames (trailing
// nil for EOF) becomes a channel of output frames plus a trailing nil.
func (g *Graph) Frames(ctx context.Context, in <-chan *astiav.Frame) <-chan *astiav.Frame {
	out := make(chan *astiav.Frame)
	go func() {
		defer close(out)
		for f := range in {
			if f == nil {
				if err := g.Flush(ctx); err != nil {
					g.logger.Error("filter graph flush failed", slog.Any("error", err))
					return
				}
				frames, err := g.drainAvailable(ctx)
				for _, fr := range frames {
					select {
					case out <- fr:
					case <-ctx.Done():
						fr.Free()
					}
				}
				if err != nil {
					g.logger.Error("filter graph drain after flush failed", slog.Any("error", err))
				}
				select {
				case out <- nil:
				case <-ctx.Done():
				}
				return
			}
			frames, err := g.ProcessAll(ctx, f)
			for _, fr := range frames {
				select {
				case out <- fr:
				case <-ctx.Done():
					fr.Free()
				}
			}
			if err != nil {
				g.logger.Error("filter graph process failed", slog.Any("error", err))
				return
			}
		}
	}()
	return out
}

// SendCommand/QueueCommand implement spec §4.3's runtime control surface.
func (g *Graph) SendCommand(target, cmd, arg string) (string, error) {
	if err := g.CheckUsable(); err != nil {
		return "", err
	}
	return g.graph.SendCommand(target, cmd, arg)
}

func (g *Graph) QueueCommand(target, cmd, arg string, ts float64) error {
	if err := g.CheckUsable(); err != nil {
		return err
	}
	return g.graph.QueueCommand(target, cmd, arg, ts)
}

// Close releases the underlying filter graph.
func (g *Graph) Close() {
	if g.graph != nil {
		g.graph.Free()
		g.graph = nil
	}
	g.Transition(avcore.StateDrained)
}
