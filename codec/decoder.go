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

// DecoderConfig configures a Decoder's lazy open, mirroring spec §4.2's
// "caller may also provide ..." list (the decoder-relevant subset).
type DecoderConfig struct {
	// CodecParameters seeds the codec context (format/dimensions/sample
	// rate/channel layout) before Open, the way a demuxer's stream
	// codecpar does in the collaborator model of spec §6.
	CodecParameters *astiav.CodecParameters
	// TimeBase overrides the timebase derived from CodecParameters, when
	// the caller has a better source (e.g. the stream's declared timebase).
	TimeBase *astiav.Rational
	// HardwareDeviceContext, if set, is offered to the decoder; if the
	// codec rejects every hw pixel format it advertises, decoding proceeds
	// in software and frames are never annotated with a hw-frames context.
	HardwareDeviceContext *astiav.HardwareDeviceContext
	// Options are codec-specific options applied at Open.
	Options *astiav.Dictionary
	// ThreadCount, 0 means leave the codec's default.
	ThreadCount int
	Logger      *slog.Logger
}

// Decoder is the C2 send/receive adapter specialized to Packet-in/Frame-out,
// i.e. decoding compressed packets into raw frames.
type Decoder struct {
	lifecycle
	cfg    DecoderConfig
	logger *slog.Logger

	codec *astiav.Codec
	cc    *astiav.CodecContext
}

// NewDecoder allocates (but does not open) a decoder for codecID. Opening is
// deferred to the first Process call per spec §4.2's lazy-initialization
// rule, so that HW-frames-context validation happens against real input.
func NewDecoder(codecID astiav.CodecID, cfg DecoderConfig) (*Decoder, error) {
	c := astiav.FindDecoder(codecID)
	if c == nil {
		return nil, initError("codec.NewDecoder", fmt.Errorf("no decoder registered for codec id %v", codecID))
	}
	cc := astiav.AllocCodecContext(c)
	if cc == nil {
		return nil, initError("codec.NewDecoder", errors.New("AllocCodecContext returned nil"))
	}
	if cfg.CodecParameters != nil {
		if err := cfg.CodecParameters.ToCodecContext(cc); err != nil {
			cc.Free()
			return nil, initError("codec.NewDecoder", err)
		}
	}
	d := &Decoder{
		cfg:    cfg,
		logger: xlog.OrDefault(cfg.Logger),
		codec:  c,
		cc:     cc,
	}
	return d, nil
}

// CodecContext exposes the underlying handle for collaborators that need it
// directly (e.g. filter.Graph reading the decoder's output pixel format
// before the first frame arrives is not needed here, but mux.Muxer reading
// an encoder's equivalent is — Encoder mirrors this accessor).
func (d *Decoder) CodecContext() *astiav.CodecContext { return d.cc }

func (d *Decoder) ensureOpen() error {
	if d.transitionIf(StateFresh, StateInitialized) {
		if d.cfg.TimeBase != nil {
			d.cc.SetTimeBase(*d.cfg.TimeBase)
		}
		if d.cfg.ThreadCount > 0 {
			d.cc.SetThreadCount(d.cfg.ThreadCount)
		}
		if d.cfg.HardwareDeviceContext != nil {
			if acceptsHardware(d.codec, d.cc) {
				d.cc.SetHardwareDeviceContext(d.cfg.HardwareDeviceContext)
			} else {
				d.logger.Warn("decoder does not advertise a compatible hw pixel format, falling back to software",
					slog.String("codec", d.codec.Name()))
			}
		}
		if err := d.cc.Open(d.codec, d.cfg.Options); err != nil {
			return d.fault("codec.Decoder.Process", avcore.KindInit, err)
		}
	}
	return d.checkUsable()
}

// Process hands one packet to the decoder. The first call opens the codec
// context. EOF from SendPacket is absorbed. EAGAIN is returned as a
// KindProtocol error, and the packet has then not been accepted; every other
// SendPacket failure faults the decoder and is returned as KindCodecFatal.
func (d *Decoder) Process(ctx context.Context, pkt *astiav.Packet) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}
	if d.snapshotState() == StateDrained {
		return drainedError("codec.Decoder.Process")
	}
	err := d.cc.SendPacket(pkt)
	status, fatal := classify(err)
	if fatal != nil {
		return d.fault("codec.Decoder.Process", avcore.KindCodecFatal, fatal)
	}
	if status == StatusNeedMoreInput {
		return avcore.Wrap("codec.Decoder.Process", avcore.KindProtocol,
			errors.New("SendPacket returned EAGAIN: drain pending frames with Receive before calling Process again"))
	}
	return nil
}

// Receive pulls one decoded frame.
func (d *Decoder) Receive(ctx context.Context, out *astiav.Frame) (Status, error) {
	if err := d.checkUsable(); err != nil {
		return StatusOutput, err
	}
	err := d.cc.ReceiveFrame(out)
	status, fatal := classify(err)
	if fatal != nil {
		return status, d.fault("codec.Decoder.Receive", avcore.KindCodecFatal, fatal)
	}
	if status == StatusEndOfStream {
		d.lifecycle.transition(StateDrained)
	}
	return status, nil
}

// Flush signals end-of-input. Subsequent Receive calls drain buffered
// frames until StatusEndOfStream.
func (d *Decoder) Flush(ctx context.Context) error {
	if d.snapshotState() == StateFresh {
		// Never opened: nothing was ever sent, so EOF is immediate and no
		// codec call is needed.
		d.lifecycle.transition(StateDrained)
		return nil
	}
	if err := d.checkUsable(); err != nil {
		return err
	}
	d.lifecycle.transition(StateFlushing)
	if err := d.cc.SendPacket(nil); err != nil {
		status, fatal := classify(err)
		if fatal != nil {
			return d.fault("codec.Decoder.Flush", avcore.KindCodecFatal, fatal)
		}
		_ = status
	}
	return nil
}

// ProcessAll issues Process then repeatedly Receive until
// StatusNeedMoreInput/StatusEndOfStream, returning every decoded frame. Each
// returned frame is independently ref-counted (astiav.AllocFrame per
// iteration); the caller owns and must Free/Unref each one.
func (d *Decoder) ProcessAll(ctx context.Context, pkt *astiav.Packet) ([]*astiav.Frame, error) {
	if err := d.Process(ctx, pkt); err != nil {
		return nil, err
	}
	return d.drainAvailable(ctx)
}

func (d *Decoder) drainAvailable(ctx context.Context) ([]*astiav.Frame, error) {
	var out []*astiav.Frame
	for {
		f := astiav.AllocFrame()
		status, err := d.Receive(ctx, f)
		if err != nil {
			f.Free()
			return out, err
		}
		if status != StatusOutput {
			f.Free()
			return out, nil
		}
		out = append(out, f)
	}
}

// Frames turns an input channel of packets (with a trailing nil marking
// EOF, per spec §6's Demuxer contract) into an output channel of frames
// followed by one trailing nil. On receiving the explicit nil marker it
// calls Flush then emits the remaining buffered frames; iterator
// exhaustion without that marker does not flush, per spec §4.2.
func (d *Decoder) Frames(ctx context.Context, in <-chan *astiav.Packet) <-chan *astiav.Frame {
	out := make(chan *astiav.Frame)
	go func() {
		defer close(out)
		for pkt := range in {
			if pkt == nil {
				if err := d.Flush(ctx); err != nil {
					d.logger.Error("decoder flush failed", slog.Any("error", err))
					return
				}
				frames, err := d.drainAvailable(ctx)
				for _, f := range frames {
					select {
					case out <- f:
					case <-ctx.Done():
						f.Free()
					}
				}
				if err != nil {
					d.logger.Error("decoder drain after flush failed", slog.Any("error", err))
				}
				select {
				case out <- nil:
				case <-ctx.Done():
				}
				return
			}
			frames, err := d.ProcessAll(ctx, pkt)
			for _, f := range frames {
				select {
				case out <- f:
				case <-ctx.Done():
					f.Free()
				}
			}
			if err != nil {
				d.logger.Error("decoder process failed", slog.Any("error", err))
				return
			}
		}
	}()
	return out
}

// StartPushWorker implements spec §4.2's push mode: a background goroutine
// drains in, calling ProcessAll for every packet and forwarding decoded
// frames to out, honoring backpressure through out's bounded capacity. A
// nil item on in triggers Flush then a drain-and-close of out, per spec
// §4.2/§7 ("closing the input queue drains the task; closing the output
// queue terminates the task after draining remaining outputs").
func (d *Decoder) StartPushWorker(ctx context.Context, in *queue.Queue[*astiav.Packet], out *queue.Queue[*astiav.Frame]) {
	go func() {
		for {
			pkt, err := in.Receive(ctx)
			if err != nil {
				out.CloseWithError(pushSourceError(err))
				return
			}
			if pkt == nil {
				if ferr := d.Flush(ctx); ferr != nil {
					out.CloseWithError(ferr)
					return
				}
				frames, derr := d.drainAvailable(ctx)
				for _, f := range frames {
					if serr := out.Send(ctx, f); serr != nil {
						f.Free()
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
			frames, perr := d.ProcessAll(ctx, pkt)
			for _, f := range frames {
				if serr := out.Send(ctx, f); serr != nil {
					f.Free()
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

// Close releases the codec context. Idempotent.
func (d *Decoder) Close() {
	if d.cc != nil {
		d.cc.Free()
		d.cc = nil
	}
	d.lifecycle.transition(StateDrained)
}

func acceptsHardware(c *astiav.Codec, cc *astiav.CodecContext) bool {
	_ = cc
	for _, hwCfg := range c.HardwareConfigs() {
		if hwCfg.Methods()&astiav.CodecHardwareConfigMethodHwDeviceCtx != 0 {
			return true
		}
	}
	return false
}

func pushSourceError(err error) error {
	if errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}
