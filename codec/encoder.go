package codec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/podfirst/node-av-go/avcore"
	"github.com/podfirst/node-av-go/internal/xlog"
	"github.com/podfirst/node-av-go/queue"
)

// EncoderConfig configures an Encoder's lazy open, per spec §4.2.
type EncoderConfig struct {
	// BitRate, GOPSize, MaxBFrames, Options and Flags are applied before
	// Open, per spec's "the caller may also provide ..." list.
	BitRate    int64
	GOPSize    int
	MaxBFrames int
	Options    *astiav.Dictionary
	Flags      astiav.CodecContextFlags

	// GlobalQuality, if non-zero, is copied into every input frame's
	// quality field before encoding (spec §4.2 "frame pre-encoding").
	GlobalQuality int

	// RequireGlobalHeader forces the global-header codec flag before Open,
	// set by mux.Muxer when the destination container requires it.
	RequireGlobalHeader bool

	// HardwareFramesContext, if the first frame does not already carry
	// one, lets the caller pre-bind a frames context (rare; normally the
	// frame itself carries it for hw-accelerated pipelines).
	HardwareFramesContext *astiav.HardwareFramesContext
	HardwareDeviceContext *astiav.HardwareDeviceContext

	Logger *slog.Logger
}

// Encoder is the C2 adapter specialized to Frame-in/Packet-out.
type Encoder struct {
	lifecycle
	cfg    EncoderConfig
	logger *slog.Logger

	codec *astiav.Codec
	cc    *astiav.CodecContext

	lastChannelCount int
	sawFirstFrame    bool
}

// NewEncoder allocates (but does not open) an encoder for codecID.
func NewEncoder(codecID astiav.CodecID, cfg EncoderConfig) (*Encoder, error) {
	c := astiav.FindEncoder(codecID)
	if c == nil {
		return nil, initError("codec.NewEncoder", fmt.Errorf("no encoder registered for codec id %v", codecID))
	}
	cc := astiav.AllocCodecContext(c)
	if cc == nil {
		return nil, initError("codec.NewEncoder", errors.New("AllocCodecContext returned nil"))
	}
	e := &Encoder{
		cfg:    cfg,
		logger: xlog.OrDefault(cfg.Logger),
		codec:  c,
		cc:     cc,
	}
	return e, nil
}

// CodecContext exposes the underlying handle; mux.Muxer reads codec
// parameters and the timebase from it once the encoder initializes.
func (e *Encoder) CodecContext() *astiav.CodecContext { return e.cc }

// Initialized reports whether Open has completed, the signal mux.Muxer
// polls for in its lazy per-stream initialization loop (spec §4.5).
func (e *Encoder) Initialized() bool { return e.snapshotState() != StateFresh }

func (e *Encoder) openFromFirstFrame(f *astiav.Frame) error {
	isVideo := f.Width() > 0 && f.Height() > 0
	if isVideo {
		e.cc.SetPixelFormat(f.PixelFormat())
		e.cc.SetWidth(f.Width())
		e.cc.SetHeight(f.Height())
		e.cc.SetSampleAspectRatio(f.SampleAspectRatio())
	} else {
		e.cc.SetSampleFormat(f.SampleFormat())
		e.cc.SetSampleRate(f.SampleRate())
		e.cc.SetChannelLayout(f.ChannelLayout())
	}
	if f.TimeBase().Num() != 0 {
		e.cc.SetTimeBase(f.TimeBase())
	}
	if err := e.setupHardware(f); err != nil {
		return err
	}
	if e.cfg.BitRate > 0 {
		e.cc.SetBitRate(e.cfg.BitRate)
	}
	if e.cfg.GOPSize > 0 {
		e.cc.SetGopSize(e.cfg.GOPSize)
	}
	if e.cfg.MaxBFrames > 0 {
		e.cc.SetMaxBFrames(e.cfg.MaxBFrames)
	}
	if e.cfg.RequireGlobalHeader {
		e.cc.SetFlags(e.cc.Flags() | astiav.CodecContextFlagGlobalHeader)
	}
	if e.cfg.Flags != 0 {
		e.cc.SetFlags(e.cc.Flags() | e.cfg.Flags)
	}
	return e.cc.Open(e.codec, e.cfg.Options)
}

// setupHardware implements spec §4.2's "Hardware setup (encoder)": prefer
// binding the frame's own hw-frames-context; fall back to a bare device
// context (frame upload required downstream); else open as a software
// encoder with implicit download already handled by the frame carrying
// none.
func (e *Encoder) setupHardware(f *astiav.Frame) error {
	if hw := f.HardwareFramesContext(); hw != nil {
		if acceptsHardware(e.codec, e.cc) {
			e.cc.SetHardwareFramesContext(hw)
			return nil
		}
		e.logger.Warn("encoder rejects frame's hw-frames context pixel format, falling back",
			slog.String("codec", e.codec.Name()))
	}
	if e.cfg.HardwareFramesContext != nil {
		e.cc.SetHardwareFramesContext(e.cfg.HardwareFramesContext)
		return nil
	}
	if e.cfg.HardwareDeviceContext != nil && acceptsHardware(e.codec, e.cc) {
		e.cc.SetHardwareDeviceContext(e.cfg.HardwareDeviceContext)
	}
	return nil
}

func (e *Encoder) ensureOpen(first *astiav.Frame) error {
	if e.transitionIf(StateFresh, StateInitialized) {
		if err := e.openFromFirstFrame(first); err != nil {
			return e.fault("codec.Encoder.Process", avcore.KindInit, err)
		}
	}
	return e.checkUsable()
}

// preEncode applies spec §4.2's per-frame pre-encoding steps: quality
// stamping for video, and a channel-count stability check for audio codecs
// that cannot handle a mid-stream parameter change.
func (e *Encoder) preEncode(f *astiav.Frame) error {
	isAudio := f.SampleRate() > 0
	if !isAudio && e.cfg.GlobalQuality > 0 {
		f.SetQuality(e.cfg.GlobalQuality)
	}
	if isAudio {
		n := f.ChannelLayout().Channels()
		if e.sawFirstFrame {
			if n != e.lastChannelCount && e.codec.Capabilities()&astiav.CodecCapabilityParamChange == 0 {
				return fmt.Errorf("audio channel count changed from %d to %d mid-stream and encoder %s cannot reconfigure", e.lastChannelCount, n, e.codec.Name())
			}
		}
		e.lastChannelCount = n
		e.sawFirstFrame = true
	}
	return nil
}

// Process hands one frame to the encoder, opening the codec context on the
// first call.
func (e *Encoder) Process(ctx context.Context, f *astiav.Frame) error {
	if e.snapshotState() == StateFresh {
		if err := e.ensureOpen(f); err != nil {
			return err
		}
	} else if err := e.checkUsable(); err != nil {
		return err
	}
	if e.snapshotState() == StateDrained {
		return drainedError("codec.Encoder.Process")
	}
	if f != nil {
		if err := e.preEncode(f); err != nil {
			return e.fault("codec.Encoder.Process", avcore.KindCodecFatal, err)
		}
	}
	err := e.cc.SendFrame(f)
	status, fatal := classify(err)
	if fatal != nil {
		return e.fault("codec.Encoder.Process", avcore.KindCodecFatal, fatal)
	}
	if status == StatusNeedMoreInput {
		return avcore.Wrap("codec.Encoder.Process", avcore.KindProtocol,
			errors.New("SendFrame returned EAGAIN: drain pending packets with Receive before calling Process again"))
	}
	return nil
}

// Receive pulls one encoded packet.
func (e *Encoder) Receive(ctx context.Context, out *astiav.Packet) (Status, error) {
	if err := e.checkUsable(); err != nil {
		return StatusOutput, err
	}
	err := e.cc.ReceivePacket(out)
	status, fatal := classify(err)
	if fatal != nil {
		return status, e.fault("codec.Encoder.Receive", avcore.KindCodecFatal, fatal)
	}
	if status == StatusEndOfStream {
		e.lifecycle.transition(StateDrained)
	}
	return status, nil
}

// Flush signals end-of-input.
func (e *Encoder) Flush(ctx context.Context) error {
	if e.snapshotState() == StateFresh {
		e.lifecycle.transition(StateDrained)
		return nil
	}
	if err := e.checkUsable(); err != nil {
		return err
	}
	e.lifecycle.transition(StateFlushing)
	if err := e.cc.SendFrame(nil); err != nil {
		_, fatal := classify(err)
		if fatal != nil {
			return e.fault("codec.Encoder.Flush", avcore.KindCodecFatal, fatal)
		}
	}
	return nil
}

// ProcessAll issues Process then drains every available packet.
func (e *Encoder) ProcessAll(ctx context.Context, f *astiav.Frame) ([]*astiav.Packet, error) {
	if err := e.Process(ctx, f); err != nil {
		return nil, err
	}
	return e.drainAvailable(ctx)
}

func (e *Encoder) drainAvailable(ctx context.Context) ([]*astiav.Packet, error) {
	var out []*astiav.Packet
	for {
		p := astiav.AllocPacket()
		status, err := e.Receive(ctx, p)
		if err != nil {
			p.Free()
			return out, err
		}
		if status != StatusOutput {
			p.Free()
			return out, nil
		}
		out = append(out, p)
	}
}

// Packets mirrors Decoder.Frames: an input channel of frames (trailing nil
// for EOF) becomes an output channel of packets plus a trailing nil.
func (e *Encoder) Packets(ctx context.Context, in <-chan *astiav.Frame) <-chan *astiav.Packet {
	out := make(chan *astiav.Packet)
	go func() {
		defer close(out)
		for f := range in {
			if f == nil {
				if err := e.Flush(ctx); err != nil {
					e.logger.Error("encoder flush failed", slog.Any("error", err))
					return
				}
				pkts, err := e.drainAvailable(ctx)
				for _, p := range pkts {
					select {
					case out <- p:
					case <-ctx.Done():
						p.Free()
					}
				}
				if err != nil {
					e.logger.Error("encoder drain after flush failed", slog.Any("error", err))
				}
				select {
				case out <- nil:
				case <-ctx.Done():
				}
				return
			}
			pkts, err := e.ProcessAll(ctx, f)
			for _, p := range pkts {
				select {
				case out <- p:
				case <-ctx.Done():
					p.Free()
				}
			}
			if err != nil {
				e.logger.Error("encoder process failed", slog.Any("error", err))
				return
			}
		}
	}()
	return out
}

// StartPushWorker is Decoder.StartPushWorker's Frame-in/Packet-out twin.
func (e *Encoder) StartPushWorker(ctx context.Context, in *queue.Queue[*astiav.Frame], out *queue.Queue[*astiav.Packet]) {
	go func() {
		for {
			f, err := in.Receive(ctx)
			if err != nil {
				out.CloseWithError(pushSourceError(err))
				return
			}
			if f == nil {
				if ferr := e.Flush(ctx); ferr != nil {
					out.CloseWithError(ferr)
					return
				}
				pkts, derr := e.drainAvailable(ctx)
				for _, p := range pkts {
					if serr := out.Send(ctx, p); serr != nil {
						p.Free()
						return
					}
				}
				if derr != nil {
					out.CloseWithError(derr)
					return
				}
				out.Close()
				return
			}
			pkts, perr := e.ProcessAll(ctx, f)
			for _, p := range pkts {
				if serr := out.Send(ctx, p); serr != nil {
					p.Free()
					return
				}
			}
			if perr != nil {
				out.CloseWithError(perr)
				return
			}
		}
	}()
}

// Close releases the codec context.
func (e *Encoder) Close() {
	if e.cc != nil {
		e.cc.Free()
		e.cc = nil
	}
	e.lifecycle.transition(StateDrained)
}
