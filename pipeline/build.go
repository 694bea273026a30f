package pipeline

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/podfirst/node-av-go/codec"
	"github.com/podfirst/node-av-go/filter"
)

// Stage names one element of a linear chain passed to Build, mirroring
// spec §4.6's "walking stages, replacing an element with its frames(stream)
// or packets(stream) adapter". Exactly one field must be set.
type Stage struct {
	Decoder *codec.Decoder // Packet in, Frame out
	Encoder *codec.Encoder // Frame in, Packet out
	BSF     *codec.BSF     // Packet in, Packet out
	Filter  *filter.Graph  // Frame in, Frame out
}

// chain is the discriminated-union "current output" Build threads through
// the stage list: exactly one of the two channels is non-nil at any point.
type chain struct {
	packets <-chan *astiav.Packet
	frames  <-chan *astiav.Frame
}

// Build assembles source (a demuxer's per-stream packet channel, or any
// upstream packet channel) through stages in order, using each stage's own
// Frames/Packets adapter, and returns the final chain. The caller inspects
// whichever of Packets()/Frames() is non-nil on the result to continue
// wiring (typically into RunToMuxer or another Build call).
func Build(ctx context.Context, source <-chan *astiav.Packet, stages ...Stage) (*chain, error) {
	c := &chain{packets: source}
	for i, st := range stages {
		next, err := applyStage(ctx, c, st)
		if err != nil {
			return nil, fmt.Errorf("pipeline.Build: stage %d: %w", i, err)
		}
		c = next
	}
	return c, nil
}

func applyStage(ctx context.Context, c *chain, st Stage) (*chain, error) {
	switch {
	case st.Decoder != nil:
		if c.packets == nil {
			return nil, fmt.Errorf("decoder stage requires a packet input, chain currently yields frames")
		}
		return &chain{frames: st.Decoder.Frames(ctx, c.packets)}, nil
	case st.Encoder != nil:
		if c.frames == nil {
			return nil, fmt.Errorf("encoder stage requires a frame input, chain currently yields packets")
		}
		return &chain{packets: st.Encoder.Packets(ctx, c.frames)}, nil
	case st.BSF != nil:
		if c.packets == nil {
			return nil, fmt.Errorf("BSF stage requires a packet input, chain currently yields frames")
		}
		return &chain{packets: st.BSF.Packets(ctx, c.packets)}, nil
	case st.Filter != nil:
		if c.frames == nil {
			return nil, fmt.Errorf("filter stage requires a frame input, chain currently yields packets")
		}
		return &chain{frames: st.Filter.Frames(ctx, c.frames)}, nil
	default:
		return nil, fmt.Errorf("empty Stage: exactly one of Decoder/Encoder/BSF/Filter must be set")
	}
}

// Packets returns the chain's packet channel, or nil if it currently yields
// frames.
func (c *chain) Packets() <-chan *astiav.Packet { return c.packets }

// Frames returns the chain's frame channel, or nil if it currently yields
// packets.
func (c *chain) Frames() <-chan *astiav.Frame { return c.frames }
