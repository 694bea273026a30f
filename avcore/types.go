package avcore

import (
	"context"

	"github.com/asticode/go-astiav"
)

// Packet and Frame are the reference-counted containers described in spec
// §3. Per §1/§6 they are out of scope to reimplement: astiav.Packet and
// astiav.Frame already provide exactly the operations spec §6 requires
// (clone, unref/free, rescaleTs, side-data, format/dimension accessors), so
// this module binds to them directly instead of adding a redundant wrapper
// layer.
type (
	Packet = astiav.Packet
	Frame  = astiav.Frame
)

// Demuxer is the façade consumed (not built) by this module, restated from
// spec §6. Concrete implementations live in package demux; C7's assembler
// and C5's muxer only ever see this interface.
type Demuxer interface {
	// Streams returns every stream the container advertises, in container
	// order.
	Streams() []*astiav.Stream
	// VideoStream returns the first video stream, or nil.
	VideoStream() *astiav.Stream
	// AudioStream returns the first audio stream, or nil.
	AudioStream() *astiav.Stream
	// Packets returns a channel yielding every packet from every stream, in
	// arrival order, followed by a single nil to signal EOF, after which the
	// channel is closed. If ctx (or the demuxer itself) is cancelled first,
	// the channel is closed without the terminal nil.
	Packets(ctx context.Context) <-chan *astiav.Packet
	// PacketsForStream is like Packets but filtered to one stream index.
	PacketsForStream(ctx context.Context, streamIndex int) <-chan *astiav.Packet
	// FormatContext exposes the underlying container handle, needed by the
	// muxer for container-metadata copy (spec §4.5).
	FormatContext() *astiav.FormatContext
}

// OutputFormat restates the subset of spec §6's "output-format descriptor"
// the muxer inspects.
type OutputFormat interface {
	Name() string
	LongName() string
	Extensions() string
	MIMEType() string
	Flags() astiav.IOFormatFlags
}
