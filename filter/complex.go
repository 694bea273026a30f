package filter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"
	"golang.org/x/sync/errgroup"

	"github.com/podfirst/node-av-go/avcore"
	"github.com/podfirst/node-av-go/internal/xlog"
)

// ComplexInput names one labeled input pad of a filter_complex expression,
// e.g. the "0:v" side of "[0:v][1:v]overlay[out]".
type ComplexInput struct {
	Label     string
	Kind      Kind
	RateMode  RateMode
	Framerate astiav.Rational
}

// ComplexOutput names one labeled output pad.
type ComplexOutput struct {
	Label string
	Kind  Kind
}

// ComplexGraphConfig configures a C4 multi-input/multi-output filter graph.
type ComplexGraphConfig struct {
	Expression string
	Inputs     []ComplexInput
	Outputs    []ComplexOutput

	HardwareDeviceContext *astiav.HardwareDeviceContext
	ExtraHWFrames         int

	Logger *slog.Logger
}

type complexInputState struct {
	spec       ComplexInput
	buffersrc  *astiav.FilterContext
	timeBase   astiav.Rational
	firstFrame *astiav.Frame // buffered until every input's first frame has arrived
	// queued holds frames that arrive on this input after its own first
	// frame but before every other input has produced one, per spec §4.4
	// ("until then, each input's frames are cloned and queued per input").
	queued  []*astiav.Frame
	flushed bool
}

type complexOutputState struct {
	spec       ComplexOutput
	buffersink *astiav.FilterContext
	drained    bool
}

// ComplexGraph is the C4 adapter: a filter graph with N labeled inputs and M
// labeled outputs, configured only once the first frame on every input has
// arrived (unlike Graph's single-input lazy init, a complex graph's buffer
// sources must all exist before Parse/Configure can link the expression).
type ComplexGraph struct {
	avcore.Lifecycle
	cfg    ComplexGraphConfig
	logger *slog.Logger

	graph   *astiav.FilterGraph
	inputs  []*complexInputState
	outputs []*complexOutputState
	byLabel map[string]int // input label -> index, for ProcessByLabel
}

// NewComplexGraph constructs an unconfigured ComplexGraph.
func NewComplexGraph(cfg ComplexGraphConfig) *ComplexGraph {
	g := &ComplexGraph{
		cfg:     cfg,
		logger:  xlog.OrDefault(cfg.Logger),
		inputs:  make([]*complexInputState, len(cfg.Inputs)),
		outputs: make([]*complexOutputState, len(cfg.Outputs)),
		byLabel: make(map[string]int, len(cfg.Inputs)),
	}
	for i, in := range cfg.Inputs {
		g.inputs[i] = &complexInputState{spec: in}
		g.byLabel[in.Label] = i
	}
	for i, out := range cfg.Outputs {
		g.outputs[i] = &complexOutputState{spec: out}
	}
	return g
}

// InputIndex resolves a pad label to its Process/Flush index.
func (g *ComplexGraph) InputIndex(label string) (int, bool) {
	idx, ok := g.byLabel[label]
	return idx, ok
}

func (g *ComplexGraph) allInputsSeen() bool {
	for _, in := range g.inputs {
		if in.firstFrame == nil {
			return false
		}
	}
	return true
}

// build constructs every buffersrc/buffersink context and links/configures
// the graph, consuming each input's buffered first frame. Called once, when
// the last remaining input's first frame arrives.
func (g *ComplexGraph) build() error {
	g.graph = astiav.AllocFilterGraph()
	if g.graph == nil {
		return fmt.Errorf("AllocFilterGraph returned nil")
	}

	var head, tail *astiav.FilterInOut // outputs-of-graph chain (unlinked inputs, named per label)
	for i, in := range g.inputs {
		f := in.firstFrame
		tb, err := g.computeInputTimeBase(in.spec, f)
		if err != nil {
			return err
		}
		in.timeBase = tb

		name := "abuffer"
		if in.spec.Kind == KindVideo {
			name = "buffer"
		}
		filt := astiav.FindFilterByName(name)
		if filt == nil {
			return fmt.Errorf("filter %q not registered", name)
		}
		ctxName := fmt.Sprintf("in_%d_%s", i, in.spec.Label)
		fc, err := g.graph.NewFilterContext(filt, ctxName, bufferArgs(in.spec.Kind, f, tb))
		if err != nil {
			return fmt.Errorf("creating buffer source for input %q: %w", in.spec.Label, err)
		}
		in.buffersrc = fc

		node := astiav.AllocFilterInOut()
		node.SetName(in.spec.Label)
		node.SetFilterContext(fc)
		node.SetPadIdx(0)
		node.SetNext(nil)
		if head == nil {
			head = node
		} else {
			tail.SetNext(node)
		}
		tail = node
	}

	var outHead, outTail *astiav.FilterInOut
	for i, out := range g.outputs {
		name := "abuffersink"
		if out.spec.Kind == KindVideo {
			name = "buffersink"
		}
		filt := astiav.FindFilterByName(name)
		if filt == nil {
			return fmt.Errorf("filter %q not registered", name)
		}
		ctxName := fmt.Sprintf("out_%d_%s", i, out.spec.Label)
		fc, err := g.graph.NewFilterContext(filt, ctxName, "")
		if err != nil {
			return fmt.Errorf("creating buffer sink for output %q: %w", out.spec.Label, err)
		}
		out.buffersink = fc

		node := astiav.AllocFilterInOut()
		node.SetName(out.spec.Label)
		node.SetFilterContext(fc)
		node.SetPadIdx(0)
		node.SetNext(nil)
		if outHead == nil {
			outHead = node
		} else {
			outTail.SetNext(node)
		}
		outTail = node
	}

	propagateHardwareDevice(g.graph, g.cfg.HardwareDeviceContext, g.cfg.ExtraHWFrames)

	// avfilter_graph_parse2's convention: "inputs" names the graph's
	// dangling inputs (our declared Outputs chain, since from the parser's
	// point of view they are consumed by filters whose other side is
	// unconnected) and "outputs" names the dangling outputs (our declared
	// Inputs chain). See astiav's FilterGraph.Parse doc comment for the
	// inverted naming this mirrors from libavfilter.
	if err := g.graph.Parse(g.cfg.Expression, outHead, head); err != nil {
		return fmt.Errorf("parsing filter_complex expression: %w", err)
	}
	if err := g.graph.Configure(); err != nil {
		return fmt.Errorf("configuring filter graph: %w", err)
	}
	return nil
}

func (g *ComplexGraph) computeInputTimeBase(spec ComplexInput, f *astiav.Frame) (astiav.Rational, error) {
	if spec.Kind == KindAudio {
		return astiav.NewRational(1, f.SampleRate()), nil
	}
	if spec.RateMode == RateModeCFR {
		if spec.Framerate.Num() == 0 {
			return astiav.Rational{}, fmt.Errorf("filter.ComplexGraph: input %q is CFR but has no Framerate", spec.Label)
		}
		return avcore.Invert(spec.Framerate), nil
	}
	return f.TimeBase(), nil
}

func bufferArgs(kind Kind, f *astiav.Frame, tb astiav.Rational) string {
	if kind == KindAudio {
		return fmt.Sprintf("time_base=%d/%d:sample_rate=%d:sample_fmt=%s:channel_layout=%s",
			tb.Num(), tb.Den(), f.SampleRate(), f.SampleFormat().Name(), f.ChannelLayout().String())
	}
	sar := f.SampleAspectRatio()
	return fmt.Sprintf("video_size=%dx%d:pix_fmt=%d:time_base=%d/%d:pixel_aspect=%d/%d",
		f.Width(), f.Height(), int32(f.PixelFormat()), tb.Num(), tb.Den(), sar.Num(), sar.Den())
}

// ProcessByLabel resolves label to an input index and submits the frame.
func (g *ComplexGraph) ProcessByLabel(ctx context.Context, label string, f *astiav.Frame) error {
	idx, ok := g.byLabel[label]
	if !ok {
		return fmt.Errorf("filter.ComplexGraph: unknown input label %q", label)
	}
	return g.Process(ctx, idx, f)
}

// Process submits a frame on input idx.
func (g *ComplexGraph) Process(ctx context.Context, idx int, f *astiav.Frame) error {
	if idx < 0 || idx >= len(g.inputs) {
		return fmt.Errorf("filter.ComplexGraph: input index %d out of range", idx)
	}
	in := g.inputs[idx]

	if g.SnapshotState() == avcore.StateFresh {
		// Frames buffered here outlive this call (they're consumed once
		// build() runs, possibly many Process calls later), while the
		// caller remains free to reuse/release f once Process returns, so
		// each buffered frame is cloned rather than stored by reference.
		clone := f.Clone()
		if clone == nil {
			return fmt.Errorf("filter.ComplexGraph: Frame.Clone returned nil")
		}
		if in.firstFrame == nil {
			in.firstFrame = clone
		} else {
			// Not the first frame on this input, but the graph as a whole
			// is still waiting on other inputs' first frames: queue it.
			in.queued = append(in.queued, clone)
		}
		if !g.allInputsSeen() {
			return nil // waiting on the remaining inputs before build()
		}
		if !g.TransitionIf(avcore.StateFresh, avcore.StateInitialized) {
			return g.CheckUsable()
		}
		if err := g.build(); err != nil {
			return g.Fault("filter.ComplexGraph.Process", avcore.KindInit, err)
		}
		return g.pushAllBuffered(ctx)
	}
	if err := g.CheckUsable(); err != nil {
		return err
	}
	return g.push(in, f)
}

func (g *ComplexGraph) pushAllBuffered(ctx context.Context) error {
	for _, in := range g.inputs {
		// push hands the buffersrc its own internal reference
		// (BuffersrcFlagKeepRef), so each clone buffered while Fresh is
		// freed once pushed.
		if err := g.push(in, in.firstFrame); err != nil {
			return err
		}
		in.firstFrame.Free()
		in.firstFrame = nil
		for _, qf := range in.queued {
			if err := g.push(in, qf); err != nil {
				return err
			}
			qf.Free()
		}
		in.queued = nil
	}
	return nil
}

func (g *ComplexGraph) push(in *complexInputState, f *astiav.Frame) error {
	if f.Pts() != avcore.AVNoPTS && f != in.firstFrame {
		f.SetPts(avcore.RescaleQ(f.Pts(), f.TimeBase(), in.timeBase))
		f.SetTimeBase(in.timeBase)
	}
	flags := astiav.NewBuffersrcFlags(astiav.BuffersrcFlagKeepRef, astiav.BuffersrcFlagPush)
	if err := in.buffersrc.BuffersrcAddFrame(f, flags); err != nil {
		return g.Fault("filter.ComplexGraph.Process", avcore.KindCodecFatal, err)
	}
	return nil
}

// FlushInput marks one input as ended; once every input has been flushed the
// buffersinks drain to EndOfStream naturally.
func (g *ComplexGraph) FlushInput(ctx context.Context, idx int) error {
	if idx < 0 || idx >= len(g.inputs) {
		return fmt.Errorf("filter.ComplexGraph: input index %d out of range", idx)
	}
	in := g.inputs[idx]
	if in.flushed {
		return nil
	}
	in.flushed = true
	if g.SnapshotState() == avcore.StateFresh {
		// Never configured (this input never saw a frame): nothing to send.
		return nil
	}
	if err := g.CheckUsable(); err != nil {
		return err
	}
	if err := in.buffersrc.BuffersrcAddFrame(nil, astiav.NewBuffersrcFlags()); err != nil {
		_, fatal := classify(err)
		if fatal != nil {
			return g.Fault("filter.ComplexGraph.FlushInput", avcore.KindCodecFatal, fatal)
		}
	}
	return nil
}

// Receive pulls one frame from output idx.
func (g *ComplexGraph) Receive(ctx context.Context, idx int, out *astiav.Frame) (avcore.Status, error) {
	if idx < 0 || idx >= len(g.outputs) {
		return avcore.StatusOutput, fmt.Errorf("filter.ComplexGraph: output index %d out of range", idx)
	}
	o := g.outputs[idx]
	if o.drained {
		return avcore.StatusEndOfStream, nil
	}
	if err := g.CheckUsable(); err != nil {
		return avcore.StatusOutput, err
	}
	err := o.buffersink.BuffersinkGetFrame(out, astiav.NewBuffersinkFlags())
	status, fatal := classify(err)
	if fatal != nil {
		return status, g.Fault("filter.ComplexGraph.Receive", avcore.KindCodecFatal, fatal)
	}
	if status == avcore.StatusOutput {
		out.SetTimeBase(o.buffersink.TimeBase())
	}
	if status == avcore.StatusEndOfStream {
		o.drained = true
	}
	return status, nil
}

// DrainAvailable pulls every currently-available frame from output idx.
func (g *ComplexGraph) DrainAvailable(ctx context.Context, idx int) ([]*astiav.Frame, error) {
	var out []*astiav.Frame
	for {
		f := astiav.AllocFrame()
		status, err := g.Receive(ctx, idx, f)
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

// DrainAllOutputs fans the drain across every output concurrently, since one
// buffersink filling up can otherwise stall frames that would have been
// available on another (spec's "parallel input fan-in" note generalizes to
// fan-out on the output side of a complex graph).
func (g *ComplexGraph) DrainAllOutputs(ctx context.Context) ([][]*astiav.Frame, error) {
	results := make([][]*astiav.Frame, len(g.outputs))
	var eg errgroup.Group
	for i := range g.outputs {
		i := i
		eg.Go(func() error {
			frames, err := g.DrainAvailable(ctx, i)
			results[i] = frames
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Close releases the underlying filter graph.
func (g *ComplexGraph) Close() {
	if g.graph != nil {
		g.graph.Free()
		g.graph = nil
	}
	g.Transition(avcore.StateDrained)
}
