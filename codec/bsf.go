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

// BSFConfig configures a BSF's lazy Init call.
type BSFConfig struct {
	// CodecParameters seeds the BSF context's input codecpar, required by
	// libav before Init (e.g. h264_mp4toannexb needs extradata to rewrite
	// SPS/PPS into the packet stream).
	CodecParameters *astiav.CodecParameters
	TimeBase        *astiav.Rational
	Logger          *slog.Logger
}

// BSF is the C2 adapter specialized to a bitstream filter: Packet-in,
// Packet-out, no decode/encode involved (spec §4.2's third named variant,
// e.g. the "null" BSF of scenario S5, or "h264_mp4toannexb").
type BSF struct {
	lifecycle
	cfg    BSFConfig
	logger *slog.Logger
	name   string
	ctx    *astiav.BitStreamFilterContext
}

// NewBSF allocates (but does not init) a bitstream filter context by name.
func NewBSF(name string, cfg BSFConfig) (*BSF, error) {
	f := astiav.FindBitStreamFilterByName(name)
	if f == nil {
		return nil, initError("codec.NewBSF", fmt.Errorf("no bitstream filter registered with name %q", name))
	}
	bctx, err := astiav.AllocBitStreamFilterContext(f)
	if err != nil || bctx == nil {
		return nil, initError("codec.NewBSF", fmt.Errorf("AllocBitStreamFilterContext(%q): %w", name, err))
	}
	b := &BSF{cfg: cfg, logger: xlog.OrDefault(cfg.Logger), name: name, ctx: bctx}
	if cfg.CodecParameters != nil {
		if perr := cfg.CodecParameters.Copy(b.ctx.InputCodecParameters()); perr != nil {
			bctx.Free()
			return nil, initError("codec.NewBSF", perr)
		}
	}
	if cfg.TimeBase != nil {
		b.ctx.SetInputTimeBase(*cfg.TimeBase)
	}
	return b, nil
}

func (b *BSF) ensureInit() error {
	if b.transitionIf(StateFresh, StateInitialized) {
		if err := b.ctx.Init(); err != nil {
			return b.fault("codec.BSF.Process", avcore.KindInit, err)
		}
	}
	return b.checkUsable()
}

// Process hands one packet to the filter, initializing it on the first call.
func (b *BSF) Process(ctx context.Context, pkt *astiav.Packet) error {
	if err := b.ensureInit(); err != nil {
		return err
	}
	if b.snapshotState() == StateDrained {
		return drainedError("codec.BSF.Process")
	}
	err := b.ctx.SendPacket(pkt)
	status, fatal := classify(err)
	if fatal != nil {
		return b.fault("codec.BSF.Process", avcore.KindCodecFatal, fatal)
	}
	if status == StatusNeedMoreInput {
		return avcore.Wrap("codec.BSF.Process", avcore.KindProtocol,
			errors.New("SendPacket returned EAGAIN: drain pending packets with Receive before calling Process again"))
	}
	return nil
}

// Receive pulls one filtered packet.
func (b *BSF) Receive(ctx context.Context, out *astiav.Packet) (Status, error) {
	if err := b.checkUsable(); err != nil {
		return StatusOutput, err
	}
	err := b.ctx.ReceivePacket(out)
	status, fatal := classify(err)
	if fatal != nil {
		return status, b.fault("codec.BSF.Receive", avcore.KindCodecFatal, fatal)
	}
	if status == StatusEndOfStream {
		b.lifecycle.transition(StateDrained)
	}
	return status, nil
}

// Flush signals end-of-input.
func (b *BSF) Flush(ctx context.Context) error {
	if b.snapshotState() == StateFresh {
		b.lifecycle.transition(StateDrained)
		return nil
	}
	if err := b.checkUsable(); err != nil {
		return err
	}
	b.lifecycle.transition(StateFlushing)
	if err := b.ctx.SendPacket(nil); err != nil {
		_, fatal := classify(err)
		if fatal != nil {
			return b.fault("codec.BSF.Flush", avcore.KindCodecFatal, fatal)
		}
	}
	return nil
}

// ProcessAll issues Process then drains every available packet.
func (b *BSF) ProcessAll(ctx context.Context, pkt *astiav.Packet) ([]*astiav.Packet, error) {
	if err := b.Process(ctx, pkt); err != nil {
		return nil, err
	}
	return b.drainAvailable(ctx)
}

func (b *BSF) drainAvailable(ctx context.Context) ([]*astiav.Packet, error) {
	var out []*astiav.Packet
	for {
		p := astiav.AllocPacket()
		status, err := b.Receive(ctx, p)
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

// Packets is the BSF form of spec §4.2's iterator helper: "packets(input_iter)
// (for BSF)". Scenario S5 exercises this directly with the "null" filter.
func (b *BSF) Packets(ctx context.Context, in <-chan *astiav.Packet) <-chan *astiav.Packet {
	out := make(chan *astiav.Packet)
	go func() {
		defer close(out)
		for pkt := range in {
			if pkt == nil {
				if err := b.Flush(ctx); err != nil {
					b.logger.Error("bsf flush failed", slog.Any("error", err))
					return
				}
				pkts, err := b.drainAvailable(ctx)
				for _, p := range pkts {
					select {
					case out <- p:
					case <-ctx.Done():
						p.Free()
					}
				}
				if err != nil {
					b.logger.Error("bsf drain after flush failed", slog.Any("error", err))
				}
				select {
				case out <- nil:
				case <-ctx.Done():
				}
				return
			}
			pkts, err := b.ProcessAll(ctx, pkt)
			for _, p := range pkts {
				select {
				case out <- p:
				case <-ctx.Done():
					p.Free()
				}
			}
			if err != nil {
				b.logger.Error("bsf process failed", slog.Any("error", err))
				return
			}
		}
	}()
	return out
}

// StartPushWorker is the BSF push-mode edge.
func (b *BSF) StartPushWorker(ctx context.Context, in *queue.Queue[*astiav.Packet], out *queue.Queue[*astiav.Packet]) {
	go func() {
		for {
			pkt, err := in.Receive(ctx)
			if err != nil {
				out.CloseWithError(pushSourceError(err))
				return
			}
			if pkt == nil {
				if ferr := b.Flush(ctx); ferr != nil {
					out.CloseWithError(ferr)
					return
				}
				pkts, derr := b.drainAvailable(ctx)
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
			pkts, perr := b.ProcessAll(ctx, pkt)
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

// Close releases the BSF context.
func (b *BSF) Close() {
	if b.ctx != nil {
		b.ctx.Free()
		b.ctx = nil
	}
	b.lifecycle.transition(StateDrained)
}
