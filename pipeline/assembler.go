package pipeline

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"golang.org/x/sync/errgroup"

	"github.com/podfirst/node-av-go/avcore"
	"github.com/podfirst/node-av-go/mux"
)

// RunToMuxer drains packets (a chain's terminal packet channel) into
// muxer.WritePacket for streamIdx, honoring cancel between items per spec
// §4.6 ("a stop() request ... is observed between items"). The trailing nil
// the channel yields on EOF is forwarded as the stream's EOF marker.
func RunToMuxer(ctx context.Context, packets <-chan *astiav.Packet, muxer *mux.Muxer, streamIdx int, cancel *Cancel) error {
	for {
		select {
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			if cancel != nil && cancel.Stopped() {
				if pkt != nil {
					pkt.Free()
				}
				continue
			}
			if err := muxer.WritePacket(ctx, streamIdx, pkt); err != nil {
				if pkt != nil {
					pkt.Free()
				}
				return err
			}
			if pkt != nil {
				pkt.Free()
			}
			if pkt == nil {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-cancelDone(cancel):
			return nil
		}
	}
}

func cancelDone(c *Cancel) <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.Done()
}

// CopyAllPipeline implements spec §4.6's "a direct (Demuxer, Muxer) pair
// becomes a stream-copy-all pipeline": every demuxer stream is added to the
// muxer for copy, then every packet from demuxer.Packets is written to the
// matching output stream and freed after handoff.
func CopyAllPipeline(ctx context.Context, demuxer avcore.Demuxer, muxer *mux.Muxer, cancel *Cancel) error {
	outIdx := make(map[int]int, len(demuxer.Streams()))
	for i, s := range demuxer.Streams() {
		handle, err := muxer.AddStream(mux.StreamAddOptions{Input: s})
		if err != nil {
			return fmt.Errorf("pipeline.CopyAllPipeline: adding stream %d: %w", i, err)
		}
		outIdx[s.Index()] = handle.Index()
	}

	for pkt := range demuxer.Packets(ctx) {
		if cancel != nil && cancel.Stopped() {
			if pkt != nil {
				pkt.Free()
			}
			continue
		}
		if pkt == nil {
			for _, idx := range outIdx {
				if err := muxer.WritePacket(ctx, idx, nil); err != nil {
					return err
				}
			}
			return nil
		}
		idx, ok := outIdx[pkt.StreamIndex()]
		if !ok {
			pkt.Free()
			continue
		}
		if err := muxer.WritePacket(ctx, idx, pkt); err != nil {
			pkt.Free()
			return err
		}
		pkt.Free()
	}
	return nil
}

// NamedStageSet names one labeled pipeline of the "named" assembler shape in
// spec §4.6: which of the demuxer's streams to read (Video picks the video
// stream, otherwise the audio stream), and the stage chain to run its
// packets through before they reach the shared output muxer.
type NamedStageSet struct {
	Label   string
	Demuxer avcore.Demuxer
	Video   bool
	Stages  []Stage
}

// NamedPipeline implements spec §4.6's named shape: `({label: source},
// {label: [stage, ...]}, output)` builds one per-stream pipeline per label,
// registers every label's output stream on the muxer up front, then writes
// every label's packets to the shared muxer in parallel.
func NamedPipeline(ctx context.Context, sets []NamedStageSet, output *mux.Muxer, cancel *Cancel) error {
	type entry struct {
		idx     int
		packets <-chan *astiav.Packet
	}
	entries := make([]entry, 0, len(sets))

	for _, set := range sets {
		stream := set.Demuxer.AudioStream()
		if set.Video {
			stream = set.Demuxer.VideoStream()
		}
		if stream == nil {
			return fmt.Errorf("pipeline.NamedPipeline: label %q: demuxer has no matching stream", set.Label)
		}

		addOpts := mux.StreamAddOptions{Input: stream}
		for _, st := range set.Stages {
			if st.Encoder != nil {
				addOpts.Encoder = st.Encoder
			}
		}
		handle, err := output.AddStream(addOpts)
		if err != nil {
			return fmt.Errorf("pipeline.NamedPipeline: label %q: %w", set.Label, err)
		}

		source := set.Demuxer.PacketsForStream(ctx, stream.Index())
		c, err := Build(ctx, source, set.Stages...)
		if err != nil {
			return fmt.Errorf("pipeline.NamedPipeline: label %q: %w", set.Label, err)
		}
		if c.Packets() == nil {
			return fmt.Errorf("pipeline.NamedPipeline: label %q: stage chain must end in a packet-producing stage", set.Label)
		}
		entries = append(entries, entry{idx: handle.Index(), packets: c.Packets()})
	}

	var eg errgroup.Group
	for _, e := range entries {
		e := e
		eg.Go(func() error {
			return RunToMuxer(ctx, e.packets, output, e.idx, cancel)
		})
	}
	return eg.Wait()
}
