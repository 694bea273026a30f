// Package demux provides concrete avcore.Demuxer implementations: a
// generic astiav-native container demuxer, and an HLS-segment demuxer built
// on top of it. Both follow the teacher's async-init pattern (a background
// reader goroutine, an initDone channel, context-based cancellation) seen in
// its TSDemuxer/HLSDemuxer pair, adapted from sample-callback demuxing to
// astiav's native Packet/Stream model.
package demux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/podfirst/node-av-go/avcore"
	"github.com/podfirst/node-av-go/internal/xlog"
)

// Config configures a Demuxer.
type Config struct {
	// URL is passed to astiav's OpenInput: a file path, pipe:, or any
	// protocol libavformat supports.
	URL string

	// InputFormat forces a specific demuxer instead of format probing.
	InputFormat *astiav.InputFormat

	// Options are passed as AVOptions to OpenInput (e.g. "rtsp_transport").
	Options map[string]string

	Logger *slog.Logger
}

// subscriber is one Packets/PacketsForStream call's view onto the shared
// read loop: wantIndex < 0 means every stream, otherwise only packets for
// that stream index are delivered.
type subscriber struct {
	ctx       context.Context
	wantIndex int
	ch        chan *astiav.Packet
}

// Demuxer wraps an astiav input FormatContext and exposes it through
// avcore.Demuxer. OpenInput/FindStreamInfo happen once up front in Open;
// reading happens on a single background goroutine, started lazily by the
// first Packets/PacketsForStream call, exactly like the teacher's single
// runReader per demuxer. astiav.FormatContext.ReadFrame is not safe to call
// concurrently, so every subscriber is served by that one goroutine rather
// than one reader per subscriber: each packet is cloned per matching
// subscriber and fanned out from a single point of dispatch.
type Demuxer struct {
	cfg    Config
	logger *slog.Logger

	fc      *astiav.FormatContext
	streams []*astiav.Stream
	video   *astiav.Stream
	audio   *astiav.Stream

	ctx    context.Context
	cancel context.CancelFunc

	initOnce sync.Once
	initErr  error
	initDone chan struct{}

	readOnce sync.Once
	subMu    sync.Mutex
	subs     []*subscriber

	closeOnce sync.Once
}

// Open allocates an input FormatContext, opens URL, and probes stream info.
// The returned Demuxer is ready; Packets/PacketsForStream start the read
// loop lazily on first call.
func Open(ctx context.Context, cfg Config) (*Demuxer, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, avcore.Wrap("demux.Open", avcore.KindAlloc, fmt.Errorf("AllocFormatContext returned nil"))
	}

	var dict *astiav.Dictionary
	if len(cfg.Options) > 0 {
		dict = astiav.NewDictionary()
		defer dict.Free()
		for k, v := range cfg.Options {
			_ = dict.Set(k, v, astiav.NewDictionaryFlags())
		}
	}

	if err := fc.OpenInput(cfg.URL, cfg.InputFormat, dict); err != nil {
		fc.Free()
		return nil, avcore.Wrap("demux.Open", avcore.KindProtocol, fmt.Errorf("opening %q: %w", cfg.URL, err))
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		return nil, avcore.Wrap("demux.Open", avcore.KindProtocol, fmt.Errorf("probing stream info: %w", err))
	}

	dctx, cancel := context.WithCancel(ctx)
	d := &Demuxer{
		cfg:      cfg,
		logger:   xlog.OrDefault(cfg.Logger),
		fc:       fc,
		streams:  fc.Streams(),
		ctx:      dctx,
		cancel:   cancel,
		initDone: make(chan struct{}),
	}
	close(d.initDone) // stream info is already known after FindStreamInfo

	for _, s := range d.streams {
		switch s.CodecParameters().MediaType() {
		case astiav.MediaTypeVideo:
			if d.video == nil {
				d.video = s
			}
		case astiav.MediaTypeAudio:
			if d.audio == nil {
				d.audio = s
			}
		}
	}
	return d, nil
}

// Streams implements avcore.Demuxer.
func (d *Demuxer) Streams() []*astiav.Stream { return d.streams }

// VideoStream implements avcore.Demuxer.
func (d *Demuxer) VideoStream() *astiav.Stream { return d.video }

// AudioStream implements avcore.Demuxer.
func (d *Demuxer) AudioStream() *astiav.Stream { return d.audio }

// FormatContext implements avcore.Demuxer.
func (d *Demuxer) FormatContext() *astiav.FormatContext { return d.fc }

// Packets implements avcore.Demuxer: every packet from every stream, in
// container read order, terminated by one nil.
func (d *Demuxer) Packets(ctx context.Context) <-chan *astiav.Packet {
	return d.subscribe(ctx, -1)
}

// PacketsForStream implements avcore.Demuxer, filtering to one stream index.
// Safe to call more than once (including concurrently, e.g. once per label
// in a named multi-stream pipeline): every call registers its own
// subscription against the single shared read loop instead of starting a
// second reader on the FormatContext.
func (d *Demuxer) PacketsForStream(ctx context.Context, streamIndex int) <-chan *astiav.Packet {
	return d.subscribe(ctx, streamIndex)
}

func (d *Demuxer) subscribe(ctx context.Context, wantIndex int) <-chan *astiav.Packet {
	sub := &subscriber{ctx: ctx, wantIndex: wantIndex, ch: make(chan *astiav.Packet)}
	d.subMu.Lock()
	d.subs = append(d.subs, sub)
	d.subMu.Unlock()
	d.readOnce.Do(func() { go d.readLoop() })
	return sub.ch
}

// readLoop is the Demuxer's single reader of d.fc, started once. Every
// packet is cloned and dispatched to each subscriber whose wantIndex
// matches, so multiple Packets/PacketsForStream callers can be served from
// one ReadFrame loop.
func (d *Demuxer) readLoop() {
	for {
		if d.ctx.Err() != nil {
			d.broadcast(nil, -1)
			return
		}
		pkt := astiav.AllocPacket()
		err := d.fc.ReadFrame(pkt)
		if err != nil {
			pkt.Free()
			if !errors.Is(err, astiav.ErrEof) {
				d.logger.Debug("demux read error, treating as end of stream",
					slog.String("url", d.cfg.URL), slog.String("error", err.Error()))
			}
			d.broadcast(nil, -1)
			return
		}
		d.broadcast(pkt, pkt.StreamIndex())
		pkt.Free()
	}
}

// broadcast clones pkt once per matching, still-live subscriber and sends
// it, removing any subscriber whose ctx (or the demuxer's own) is done. A
// nil pkt is the terminal signal: every subscriber gets it exactly once and
// is then removed, regardless of wantIndex.
func (d *Demuxer) broadcast(pkt *astiav.Packet, streamIndex int) {
	d.subMu.Lock()
	subs := make([]*subscriber, len(d.subs))
	copy(subs, d.subs)
	d.subMu.Unlock()

	alive := subs[:0]
	for _, sub := range subs {
		if pkt != nil && sub.wantIndex >= 0 && sub.wantIndex != streamIndex {
			alive = append(alive, sub)
			continue
		}

		var toSend *astiav.Packet
		if pkt != nil {
			toSend = pkt.Clone()
			if toSend == nil {
				d.logger.Error("demux: Packet.Clone returned nil, dropping packet for subscriber")
				alive = append(alive, sub)
				continue
			}
		}

		select {
		case sub.ch <- toSend:
			if toSend != nil {
				alive = append(alive, sub)
			} else {
				close(sub.ch)
			}
		case <-sub.ctx.Done():
			if toSend != nil {
				toSend.Free()
			}
			close(sub.ch)
		case <-d.ctx.Done():
			if toSend != nil {
				toSend.Free()
			}
			close(sub.ch)
		}
	}

	d.subMu.Lock()
	d.subs = alive
	d.subMu.Unlock()
}

// WaitInitialized mirrors the teacher's naming; since FindStreamInfo already
// ran synchronously in Open, this returns immediately.
func (d *Demuxer) WaitInitialized(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.initDone:
		return d.initErr
	}
}

// Close stops any in-flight read loop and releases the input FormatContext.
// Safe to call more than once.
func (d *Demuxer) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		d.fc.CloseInput()
		err = nil
	})
	return err
}
