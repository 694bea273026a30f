package mux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/podfirst/node-av-go/avcore"
	"github.com/podfirst/node-av-go/codec"
	"github.com/podfirst/node-av-go/internal/xlog"
	"github.com/podfirst/node-av-go/queue"
)

// droppedMetadataKeys are excluded from the container-metadata copy, per
// spec §4.5 ("Container-metadata copy").
var droppedMetadataKeys = map[string]bool{
	"duration":        true,
	"creation_time":   true,
	"company_name":    true,
	"product_name":    true,
	"product_version": true,
}

// MuxerConfig configures a Muxer's output and policy knobs.
type MuxerConfig struct {
	FormatContext *astiav.FormatContext // allocated by the caller (astiav.AllocOutputFormatContext)
	IOContext     *astiav.IOContext     // nil if FormatContext's format has the NoFile flag

	// Demuxer, if set, is the container-metadata source copied once before
	// the header is written.
	Demuxer avcore.Demuxer

	AsyncWrite bool

	// PreMuxByteThreshold/PreMuxPacketThreshold bound Phase 1's per-stream
	// queue: the packet-count limit only starts applying once the byte
	// threshold has been crossed, per spec §4.5.
	PreMuxByteThreshold   int64
	PreMuxPacketThreshold int

	// NonStrictDTS relaxes timestamp fixup step 5 from strictly-increasing
	// to non-decreasing DTS.
	NonStrictDTS bool

	Logger *slog.Logger
}

// StreamAddOptions configures one AddStream call, per spec §4.5 "Stream
// addition": Input alone means pure copy, Encoder alone means encode with no
// metadata source, both means encode with Input supplying metadata only.
type StreamAddOptions struct {
	Input       *astiav.Stream
	Encoder     *codec.Encoder
	CopyOptions StreamCopyOptions
}

// StreamHandle is the opaque handle WritePacket addresses a stream by.
type StreamHandle struct{ index int }

// Index returns the stream index WritePacket expects for this handle.
func (h *StreamHandle) Index() int { return h.index }

// Stats reports counters useful for observability, in the teacher's
// ProcessStats/Stats() convention.
type Stats struct {
	PacketsWritten  int64
	PacketsDropped  int64
	PreMuxDepth     []int
	HeaderWritten   bool
	TrailerWritten  bool
}

// Muxer is the C5 adapter.
type Muxer struct {
	stateGuard
	cfg    MuxerConfig
	logger *slog.Logger

	fc      *astiav.FormatContext
	streams []*muxStream

	mu              sync.Mutex
	headerWritten   bool
	trailerWritten  bool
	metadataCopied  bool
	firstPacketSeen bool

	startOffsetSet bool
	startOffset    int64

	sq *syncQueue

	writeQueue *queue.Queue[*writeRequest]

	stats Stats
}

type writeRequest struct {
	pkt  *astiav.Packet
	done chan error
}

// NewMuxer wraps an already-allocated output FormatContext (and, for
// file-backed formats, an already-opened IOContext).
func NewMuxer(cfg MuxerConfig) (*Muxer, error) {
	if cfg.FormatContext == nil {
		return nil, avcore.Wrap("mux.NewMuxer", avcore.KindInit, fmt.Errorf("FormatContext is required"))
	}
	m := &Muxer{cfg: cfg, logger: xlog.OrDefault(cfg.Logger), fc: cfg.FormatContext}
	m.fc.SetPb(cfg.IOContext)
	return m, nil
}

// AddStream implements spec §4.5's "Stream addition".
func (m *Muxer) AddStream(opts StreamAddOptions) (*StreamHandle, error) {
	if !m.isOpen() {
		return nil, avcore.Wrap("mux.Muxer.AddStream", avcore.KindProtocol, errAddStreamAfterFirstPacket)
	}
	if opts.Input == nil && opts.Encoder == nil {
		return nil, avcore.Wrap("mux.Muxer.AddStream", avcore.KindInit, fmt.Errorf("at least one of Input or Encoder is required"))
	}

	av := m.fc.NewStream(nil)
	if av == nil {
		return nil, avcore.Wrap("mux.Muxer.AddStream", avcore.KindAlloc, fmt.Errorf("NewStream returned nil"))
	}
	ms := newMuxStream(len(m.streams), av)
	ms.copyOpts = opts.CopyOptions

	if opts.Input != nil {
		ms.input = opts.Input
		if opts.Encoder == nil {
			if err := opts.Input.CodecParameters().Copy(av.CodecParameters()); err != nil {
				return nil, avcore.Wrap("mux.Muxer.AddStream", avcore.KindInit, err)
			}
			av.SetTimeBase(opts.Input.TimeBase())
			av.SetAvgFrameRate(opts.Input.AvgFrameRate())
			av.SetRFrameRate(opts.Input.RFrameRate())
			av.SetSampleAspectRatio(opts.Input.SampleAspectRatio())
			av.SetDuration(opts.Input.Duration())
			copyDictionary(opts.Input.Metadata(), av.Metadata())
			av.SetDisposition(opts.Input.Disposition())
			ms.sourceTimeBase = opts.Input.TimeBase()
			ms.initialized = true
		}
	}
	if opts.Encoder != nil {
		ms.encoder = opts.Encoder
		if m.fc.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalHeader) {
			cc := opts.Encoder.CodecContext()
			cc.SetFlags(cc.Flags() | astiav.CodecContextFlagGlobalHeader)
		}
		if opts.Input != nil {
			copyDictionary(opts.Input.Metadata(), av.Metadata())
			av.SetDisposition(opts.Input.Disposition())
		}
		ms.initialized = false
	}

	m.streams = append(m.streams, ms)
	return &StreamHandle{index: ms.index}, nil
}

func copyDictionary(src, dst *astiav.Dictionary) {
	if src == nil || dst == nil {
		return
	}
	for _, e := range src.All() {
		_ = dst.Set(e.Key(), e.Value(), astiav.NewDictionaryFlags())
	}
}

// WritePacket implements spec §4.5's three-phase packet acceptance. pkt ==
// nil signals EOF for streamIdx. The caller retains ownership of pkt (the
// muxer clones on entry); freeing it after WritePacket returns is the
// caller's responsibility.
func (m *Muxer) WritePacket(ctx context.Context, streamIdx int, pkt *astiav.Packet) error {
	if m.snapshot() == StateClosed {
		return avcore.Wrap("mux.Muxer.WritePacket", avcore.KindProtocol, errClosed)
	}
	if streamIdx < 0 || streamIdx >= len(m.streams) {
		return avcore.Wrap("mux.Muxer.WritePacket", avcore.KindProtocol, fmt.Errorf("stream index %d out of range", streamIdx))
	}
	m.mu.Lock()
	m.firstPacketSeen = true
	m.mu.Unlock()
	m.compareAndSet(StateOpened, StateHeaderPending)

	ms := m.streams[streamIdx]

	var work *astiav.Packet
	if pkt != nil {
		work = pkt.Clone()
		if work == nil {
			return avcore.Wrap("mux.Muxer.WritePacket", avcore.KindAlloc, fmt.Errorf("Packet.Clone returned nil"))
		}
		if ms.encoder == nil {
			isAudio := ms.av.CodecParameters().MediaType() == astiav.MediaTypeAudio
			if !ms.filterStreamCopy(work, &m.startOffsetSet, &m.startOffset, isAudio) {
				work.Free()
				m.mu.Lock()
				m.stats.PacketsDropped++
				m.mu.Unlock()
				return nil
			}
		}
	}

	m.lazyInitStreams()

	if !m.allStreamsInitialized() {
		return m.enqueuePreMux(ms, work, pkt == nil)
	}

	if m.snapshot() == StateHeaderPending {
		if err := m.writeHeaderAndDrain(ctx); err != nil {
			return err
		}
	}

	return m.dispatch(ctx, ms, work)
}

// lazyInitStreams implements spec §4.5's "Lazy encoder-stream
// initialization": every encode-mode stream whose encoder has opened gets
// its output stream parameters filled in from the encoder.
func (m *Muxer) lazyInitStreams() {
	for _, ms := range m.streams {
		if ms.initialized || ms.encoder == nil {
			continue
		}
		if !ms.encoder.Initialized() {
			continue
		}
		cc := ms.encoder.CodecContext()
		tb := cc.TimeBase()
		ms.av.SetTimeBase(tb)
		if cc.MediaType() == astiav.MediaTypeVideo {
			ms.av.SetAvgFrameRate(cc.Framerate())
			ms.av.SetRFrameRate(cc.Framerate())
			ms.av.SetSampleAspectRatio(cc.SampleAspectRatio())
		}
		if err := ms.av.CodecParameters().FromCodecContext(cc); err != nil {
			m.logger.Error("copying encoder codec parameters into output stream failed",
				slog.Int("stream", ms.index), slog.Any("error", err))
		}
		if ms.input != nil {
			ms.av.SetDuration(ms.input.Duration())
		}
		ms.sourceTimeBase = tb
		ms.initialized = true
	}
}

func (m *Muxer) allStreamsInitialized() bool {
	for _, ms := range m.streams {
		if !ms.initialized {
			return false
		}
	}
	return true
}

// enqueuePreMux implements spec §4.5 Phase 1.
func (m *Muxer) enqueuePreMux(ms *muxStream, pkt *astiav.Packet, null bool) error {
	if null {
		ms.preMux = append(ms.preMux, &preMuxItem{null: true})
		return nil
	}
	size := int64(pkt.Size())
	if ms.preMuxBytes+size >= m.cfg.PreMuxByteThreshold && m.cfg.PreMuxPacketThreshold > 0 {
		if ms.preMuxCount+1 > m.cfg.PreMuxPacketThreshold {
			pkt.Free()
			return avcore.Wrap("mux.Muxer.WritePacket", avcore.KindBackpressure,
				fmt.Errorf("stream %d: PreMuxQueue packet threshold %d exceeded", ms.index, m.cfg.PreMuxPacketThreshold))
		}
	}
	ms.preMuxBytes += size
	ms.preMuxCount++
	ms.preMux = append(ms.preMux, &preMuxItem{pkt: pkt})
	return nil
}

// writeHeaderAndDrain implements spec §4.5 Phase 2, run exactly once.
func (m *Muxer) writeHeaderAndDrain(ctx context.Context) error {
	numEncoded := 0
	for _, ms := range m.streams {
		if ms.encoder != nil {
			numEncoded++
		}
	}
	if len(m.streams) > numEncoded {
		m.sq = newSyncQueue(len(m.streams))
	}

	if m.cfg.AsyncWrite && len(m.streams) > 1 {
		m.startWriteWorker()
	}

	m.applyDefaultDispositionInference()
	m.copyContainerMetadata()

	if err := m.fc.WriteHeader(nil); err != nil {
		return m.fault("mux.Muxer.WritePacket", avcore.KindWriter, err)
	}
	m.mu.Lock()
	m.headerWritten = true
	m.stats.HeaderWritten = true
	m.mu.Unlock()
	m.set(StateHeaderWritten)

	return m.drainPreMuxQueues(ctx)
}

// drainPreMuxQueues repeatedly picks the stream whose front item has the
// smallest DTS (NULL markers and unknown-DTS packets sort first) and feeds
// it to the sync queue or the writer directly.
func (m *Muxer) drainPreMuxQueues(ctx context.Context) error {
	for {
		idx := -1
		for i, ms := range m.streams {
			if len(ms.preMux) == 0 {
				continue
			}
			if idx == -1 || preMuxLess(m.streams[i], m.streams[idx]) {
				idx = i
			}
		}
		if idx == -1 {
			return nil
		}
		ms := m.streams[idx]
		item := ms.preMux[0]
		ms.preMux = ms.preMux[1:]
		var pkt *astiav.Packet
		if !item.null {
			pkt = item.pkt
		}
		if err := m.dispatch(ctx, ms, pkt); err != nil {
			return err
		}
	}
}

func preMuxLess(a, b *muxStream) bool {
	ai, bi := a.preMux[0], b.preMux[0]
	if ai.null != bi.null {
		return ai.null // NULL markers sort first
	}
	if ai.null {
		return false
	}
	aUnknown := ai.pkt.Dts() == avcore.AVNoPTS
	bUnknown := bi.pkt.Dts() == avcore.AVNoPTS
	if aUnknown != bUnknown {
		return aUnknown
	}
	if aUnknown {
		return false
	}
	return avcore.CompareTS(ai.pkt.Dts(), a.sourceTimeBase, bi.pkt.Dts(), b.sourceTimeBase) < 0
}

// dispatch routes a fixed-up packet (or nil EOF marker) through the sync
// queue if configured, or writes it directly (spec §4.5 Phase 3).
func (m *Muxer) dispatch(ctx context.Context, ms *muxStream, pkt *astiav.Packet) error {
	if m.sq == nil {
		if pkt == nil {
			return nil
		}
		return m.writeOne(ctx, ms, pkt)
	}
	m.sq.Send(ms.index, pkt)
	compare := func(idxA int, a *astiav.Packet, idxB int, b *astiav.Packet) int {
		return avcore.CompareTS(a.Dts(), m.streams[idxA].sourceTimeBase, b.Dts(), m.streams[idxB].sourceTimeBase)
	}
	for m.sq.ready() {
		idx, out, ok := m.sq.popMin(compare)
		if !ok {
			break
		}
		if err := m.writeOne(ctx, m.streams[idx], out); err != nil {
			return err
		}
	}
	return nil
}

func (m *Muxer) writeOne(ctx context.Context, ms *muxStream, pkt *astiav.Packet) error {
	ms.fixupTimestamps(pkt, m.cfg.NonStrictDTS)
	pkt.SetStreamIndex(ms.av.Index())

	var err error
	if m.writeQueue != nil {
		req := &writeRequest{pkt: pkt, done: make(chan error, 1)}
		if sendErr := m.writeQueue.Send(ctx, req); sendErr != nil {
			pkt.Free()
			return avcore.Wrap("mux.Muxer.WritePacket", avcore.KindWriter, sendErr)
		}
		err = <-req.done
	} else {
		err = m.fc.WriteInterleavedFrame(pkt)
		pkt.Free()
	}
	if err != nil {
		return m.fault("mux.Muxer.WritePacket", avcore.KindWriter, err)
	}
	m.mu.Lock()
	m.stats.PacketsWritten++
	m.mu.Unlock()
	return nil
}

// startWriteWorker serializes every container-writer call through a
// capacity-1 queue, per spec §4.5 "Optional write worker".
func (m *Muxer) startWriteWorker() {
	m.writeQueue = queue.New[*writeRequest](1)
	go func() {
		ctx := context.Background()
		for {
			req, err := m.writeQueue.Receive(ctx)
			if err != nil {
				return
			}
			werr := m.fc.WriteInterleavedFrame(req.pkt)
			req.pkt.Free()
			req.done <- werr
		}
	}()
}

// applyDefaultDispositionInference implements spec §4.5's rule: for each
// media type with >=2 streams, if none carries the "default" disposition,
// set it on the first non-attached-picture stream.
func (m *Muxer) applyDefaultDispositionInference() {
	byType := map[astiav.MediaType][]*muxStream{}
	for _, ms := range m.streams {
		mt := ms.av.CodecParameters().MediaType()
		byType[mt] = append(byType[mt], ms)
	}
	for _, group := range byType {
		if len(group) < 2 {
			continue
		}
		hasDefault := false
		for _, ms := range group {
			if ms.av.Disposition()&astiav.DispositionFlagDefault != 0 {
				hasDefault = true
				break
			}
		}
		if hasDefault {
			continue
		}
		for _, ms := range group {
			if ms.av.Disposition()&astiav.DispositionFlagAttachedPic != 0 {
				continue
			}
			ms.av.SetDisposition(ms.av.Disposition() | astiav.DispositionFlagDefault)
			break
		}
	}
}

// copyContainerMetadata implements spec §4.5's container-metadata copy,
// run exactly once.
func (m *Muxer) copyContainerMetadata() {
	m.mu.Lock()
	already := m.metadataCopied
	m.metadataCopied = true
	m.mu.Unlock()
	if already || m.cfg.Demuxer == nil {
		return
	}
	src := m.cfg.Demuxer.FormatContext().Metadata()
	if src == nil {
		return
	}
	dst := m.fc.Metadata()
	for _, e := range src.All() {
		if droppedMetadataKeys[e.Key()] {
			continue
		}
		_ = dst.Set(e.Key(), e.Value(), astiav.NewDictionaryFlags())
	}
}

// Stats returns a snapshot of write/drop counters and per-stream PreMuxQueue
// depth, in the teacher's Stats()/ProcessStats() convention.
func (m *Muxer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.stats
	snap.PreMuxDepth = make([]int, len(m.streams))
	for i, ms := range m.streams {
		snap.PreMuxDepth[i] = len(ms.preMux)
	}
	snap.TrailerWritten = m.trailerWritten
	return snap
}

// Close implements spec §4.5's idempotent close: drain and stop the write
// worker, free any unstreamed PreMuxQueue packets, write the trailer if the
// header was written but the trailer was not, and release the I/O and
// format contexts in an order that never leaves a live pointer to freed
// memory.
func (m *Muxer) Close() error {
	// A write fault also moves the state to StateClosed, so the format
	// context being cleared (at the end of the first Close) is what marks
	// Close as already done.
	if m.fc == nil {
		return nil
	}
	m.set(StateClosed)

	if m.writeQueue != nil {
		m.writeQueue.Close()
	}

	for _, ms := range m.streams {
		for _, item := range ms.preMux {
			if item.pkt != nil {
				item.pkt.Free()
			}
		}
		ms.preMux = nil
	}
	if m.sq != nil {
		for _, lane := range m.sq.lanes {
			for _, item := range lane.items {
				item.pkt.Free()
			}
			lane.items = nil
		}
	}

	var trailerErr error
	if m.headerWritten && !m.trailerWritten {
		trailerErr = m.fc.WriteTrailer()
		m.trailerWritten = true
		m.stats.TrailerWritten = true
	}

	if m.fc != nil {
		m.fc.SetPb(nil)
	}
	if m.cfg.IOContext != nil {
		_ = m.cfg.IOContext.Close()
	}
	if m.fc != nil {
		m.fc.Free()
		m.fc = nil
	}

	if trailerErr != nil {
		return avcore.Wrap("mux.Muxer.Close", avcore.KindWriter, trailerErr)
	}
	return nil
}
