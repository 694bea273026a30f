package mux

import (
	"github.com/asticode/go-astiav"

	"github.com/podfirst/node-av-go/avcore"
	"github.com/podfirst/node-av-go/codec"
)

// preMuxItem is a queued packet (or a NULL EOF marker) awaiting the header
// write, per spec §4.5 Phase 1.
type preMuxItem struct {
	pkt  *astiav.Packet // nil for an EOF marker
	null bool
}

// muxStream tracks one output stream's copy/encode configuration and the
// rescaling/ordering state the timestamp fixup needs.
type muxStream struct {
	index int
	av    *astiav.Stream

	encoder *codec.Encoder // nil for a pure stream-copy stream
	input   *astiav.Stream // non-nil when copying, or supplied as a metadata source for encoding

	initialized bool

	sourceTimeBase astiav.Rational
	carry          int64
	lastMuxDTS     int64

	preMux       []*preMuxItem
	preMuxBytes  int64
	preMuxCount  int

	copyOpts         StreamCopyOptions
	streamcopyStarted bool
}

// StreamCopyOptions configures the streamcopy filter of spec §4.5 for one
// copy-mode stream.
type StreamCopyOptions struct {
	// CopyInitialNonKeyframes keeps packets preceding the first keyframe
	// instead of dropping them (step 1).
	CopyInitialNonKeyframes bool
	// CopyPriorStart keeps packets whose DTS precedes CopyStartTimestamp
	// instead of dropping them (step 2).
	CopyPriorStart bool
	// CopyStartTimestamp is the configured copy-start DTS, in the input
	// stream's timebase.
	CopyStartTimestamp int64
}

func newMuxStream(index int, av *astiav.Stream) *muxStream {
	return &muxStream{index: index, av: av, lastMuxDTS: avcore.AVNoPTS}
}

// filterStreamCopy implements spec §4.5's "Streamcopy filter", run once per
// packet before it is ever queued. Returns false if the packet must be
// dropped (the caller then frees it without enqueueing).
//
// offsetSet/offsetVal track the muxer's global start-time offset: the
// first packet that survives steps 1-2 on any copy stream seeds offsetVal
// (from its own DTS-or-PTS) and flips offsetSet, so every copy-stream
// packet thereafter, on every stream, is shifted by the same amount.
func (s *muxStream) filterStreamCopy(pkt *astiav.Packet, offsetSet *bool, offsetVal *int64, isAudio bool) bool {
	if pkt == nil {
		return true // NULL EOF marker always passes through
	}
	if !s.streamcopyStarted {
		if !s.copyOpts.CopyInitialNonKeyframes && !pkt.Flags().Has(astiav.PacketFlagKey) {
			return false
		}
		if !s.copyOpts.CopyPriorStart && pkt.Dts() != avcore.AVNoPTS && pkt.Dts() < s.copyOpts.CopyStartTimestamp {
			return false
		}
		s.streamcopyStarted = true
		if !*offsetSet {
			base := pkt.Dts()
			if base == avcore.AVNoPTS {
				base = pkt.Pts()
			}
			*offsetVal = base
			*offsetSet = true
		}
	}

	pts, dts := pkt.Pts(), pkt.Dts()
	if dts == avcore.AVNoPTS {
		dts = pts
	}
	pts -= *offsetVal
	dts -= *offsetVal
	if isAudio {
		pts = dts
	}
	pkt.SetPts(pts)
	pkt.SetDts(dts)
	return true
}

// fixupTimestamps implements spec §4.5's six-step "Timestamp fixup",
// applied immediately before a packet (still in this stream's source
// timebase; the first step rescales it into the output stream's timebase)
// reaches the container writer. nonStrict relaxes step
// 5's monotonic-DTS enforcement from "strictly increasing" to
// "non-decreasing".
func (s *muxStream) fixupTimestamps(pkt *astiav.Packet, nonStrict bool) {
	outTB := s.av.TimeBase()

	if pkt.Pts() == avcore.AVNoPTS && pkt.Dts() == avcore.AVNoPTS {
		pkt.SetTimeBase(outTB)
		return
	}

	if s.encoder == nil {
		// Audio/video stream-copy: rescale with accumulated-error carry.
		// Video copy streams have no meaningful per-packet duration to
		// carry across, so the plain RescaleQ path below (srcTB == inTB)
		// degrades to an exact rescale for them; only audio benefits from
		// rescale_delta's intermediate-timebase carry.
		if s.isAudioCopy() {
			fsTB := avcore.NewRational(1, s.av.CodecParameters().SampleRate())
			dur := int64(s.av.CodecParameters().FrameSize())
			newDTS := avcore.RescaleDelta(s.sourceTimeBase, pkt.Dts(), fsTB, dur, &s.carry, outTB)
			pkt.SetDts(newDTS)
			pkt.SetPts(newDTS)
		} else {
			pkt.SetPts(avcore.RescaleQ(pkt.Pts(), s.sourceTimeBase, outTB))
			pkt.SetDts(avcore.RescaleQ(pkt.Dts(), s.sourceTimeBase, outTB))
		}
	} else {
		pkt.SetPts(avcore.RescaleQ(pkt.Pts(), s.sourceTimeBase, outTB))
		pkt.SetDts(avcore.RescaleQ(pkt.Dts(), s.sourceTimeBase, outTB))
	}
	pkt.SetTimeBase(outTB)

	if pkt.Dts() != avcore.AVNoPTS && pkt.Pts() != avcore.AVNoPTS && pkt.Dts() > pkt.Pts() {
		median := medianOf3(pkt.Pts(), pkt.Dts(), s.lastMuxDTS+1)
		pkt.SetPts(median)
		pkt.SetDts(median)
	}

	if pkt.Dts() != avcore.AVNoPTS && s.lastMuxDTS != avcore.AVNoPTS {
		var floor int64
		if nonStrict {
			floor = s.lastMuxDTS
		} else {
			floor = s.lastMuxDTS + 1
		}
		if pkt.Dts() < floor {
			pkt.SetDts(floor)
			if pkt.Pts() < floor {
				pkt.SetPts(floor)
			}
		}
	}

	if pkt.Dts() != avcore.AVNoPTS {
		s.lastMuxDTS = pkt.Dts()
	}
}

func (s *muxStream) isAudioCopy() bool {
	return s.encoder == nil && s.av.CodecParameters().MediaType() == astiav.MediaTypeAudio
}

func medianOf3(a, b, c int64) int64 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b, c = c, b
	}
	if a > b {
		a, b = b, a
	}
	return b
}
