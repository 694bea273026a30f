package pipeline

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"

	"github.com/podfirst/node-av-go/mux"
)

func skipIfNoFFmpegLibs(t *testing.T) {
	t.Helper()
	if astiav.FindOutputFormat("null") == nil {
		t.Skip("\"null\" output format not registered; FFmpeg libs unavailable")
	}
}

// fakeDemuxer is a minimal avcore.Demuxer backed by an in-memory packet list,
// enough to drive CopyAllPipeline/NamedPipeline without a real container.
type fakeDemuxer struct {
	fc      *astiav.FormatContext
	streams []*astiav.Stream
	video   *astiav.Stream
	audio   *astiav.Stream
	pkts    []*astiav.Packet
}

func newFakeDemuxer(t *testing.T) *fakeDemuxer {
	t.Helper()
	fc := astiav.AllocFormatContext()
	require.NotNil(t, fc)

	v := fc.NewStream(nil)
	v.CodecParameters().SetMediaType(astiav.MediaTypeVideo)
	v.SetTimeBase(astiav.NewRational(1, 1000))

	d := &fakeDemuxer{fc: fc, streams: []*astiav.Stream{v}, video: v}

	for i := int64(0); i < 3; i++ {
		p := astiav.AllocPacket()
		p.SetStreamIndex(v.Index())
		p.SetDts(i * 1000)
		p.SetPts(i * 1000)
		p.SetFlags(p.Flags() | astiav.PacketFlagKey)
		d.pkts = append(d.pkts, p)
	}
	return d
}

func (d *fakeDemuxer) Streams() []*astiav.Stream { return d.streams }
func (d *fakeDemuxer) VideoStream() *astiav.Stream { return d.video }
func (d *fakeDemuxer) AudioStream() *astiav.Stream { return d.audio }
func (d *fakeDemuxer) FormatContext() *astiav.FormatContext { return d.fc }

func (d *fakeDemuxer) Packets(ctx context.Context) <-chan *astiav.Packet {
	out := make(chan *astiav.Packet)
	go func() {
		defer close(out)
		for _, p := range d.pkts {
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- nil:
		case <-ctx.Done():
		}
	}()
	return out
}

func (d *fakeDemuxer) PacketsForStream(ctx context.Context, streamIndex int) <-chan *astiav.Packet {
	out := make(chan *astiav.Packet)
	go func() {
		defer close(out)
		for _, p := range d.pkts {
			if p.StreamIndex() != streamIndex {
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- nil:
		case <-ctx.Done():
		}
	}()
	return out
}

func newNullMuxer(t *testing.T) *mux.Muxer {
	t.Helper()
	of := astiav.FindOutputFormat("null")
	require.NotNil(t, of)
	fc, err := astiav.AllocOutputFormatContext(of, "", "")
	require.NoError(t, err)
	m, err := mux.NewMuxer(mux.MuxerConfig{FormatContext: fc, PreMuxByteThreshold: 1 << 20, PreMuxPacketThreshold: 1024})
	require.NoError(t, err)
	return m
}

func TestCopyAllPipelineWritesEveryPacketAndClosesCleanly(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	demuxer := newFakeDemuxer(t)
	m := newNullMuxer(t)
	defer m.Close()

	err := CopyAllPipeline(context.Background(), demuxer, m, nil)
	require.NoError(t, err)

	stats := m.Stats()
	require.Equal(t, int64(3), stats.PacketsWritten)
	require.True(t, stats.HeaderWritten)
}

func TestCopyAllPipelineStopsWritingOncePipelineCancelled(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	demuxer := newFakeDemuxer(t)
	m := newNullMuxer(t)
	defer m.Close()

	cancel := NewCancel()
	cancel.Stop()

	err := CopyAllPipeline(context.Background(), demuxer, m, cancel)
	require.NoError(t, err)
	require.Equal(t, int64(0), m.Stats().PacketsWritten)
}
