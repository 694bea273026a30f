// Package codec implements the send/receive adapter of spec §4.2 (component
// C2): the ergonomic wrapper around an FFmpeg codec or bitstream-filter
// context that turns its EAGAIN/EOF send/receive protocol into Process,
// Receive, Flush and the push-mode worker described there. Decoder, Encoder
// and BSF are the three concrete instantiations named in §4.2's heading.
package codec

import (
	"errors"
	"fmt"

	"github.com/podfirst/node-av-go/avcore"
)

// State/Status are avcore's shared lifecycle vocabulary; re-exported here so
// callers of this package never need to import avcore directly for them.
type (
	State  = avcore.State
	Status = avcore.Status
)

const (
	StateFresh       = avcore.StateFresh
	StateInitialized = avcore.StateInitialized
	StateFlushing    = avcore.StateFlushing
	StateDrained     = avcore.StateDrained
	StateFaulted     = avcore.StateFaulted
)

const (
	StatusOutput        = avcore.StatusOutput
	StatusNeedMoreInput = avcore.StatusNeedMoreInput
	StatusEndOfStream   = avcore.StatusEndOfStream
)

// lifecycle embeds avcore.Lifecycle and gives Decoder/Encoder/BSF the short
// method names the rest of this package uses.
type lifecycle struct {
	avcore.Lifecycle
}

func (l *lifecycle) snapshotState() State             { return l.SnapshotState() }
func (l *lifecycle) checkUsable() error                { return l.CheckUsable() }
func (l *lifecycle) fault(op string, k avcore.Kind, err error) error {
	return l.Fault(op, k, err)
}
func (l *lifecycle) transition(to State)             { l.Transition(to) }
func (l *lifecycle) transitionIf(from, to State) bool { return l.TransitionIf(from, to) }

// errAlreadyDrained is returned by Process once Flush has fully drained the
// adapter; per spec §3 "a component that has accepted EOF on its input
// produces EOF on its output exactly once; after that it produces nothing".
var errAlreadyDrained = errors.New("codec: adapter already drained")

func drainedError(op string) error {
	return avcore.Wrap(op, avcore.KindProtocol, errAlreadyDrained)
}

func initError(op string, err error) error {
	return avcore.Wrap(op, avcore.KindInit, err)
}

func fatalError(op string, err error) error {
	return avcore.Wrap(op, avcore.KindCodecFatal, err)
}

func formatOpError(component, method string) string {
	return fmt.Sprintf("%s.%s", component, method)
}
