// Package avcore holds the error taxonomy and collaborator types shared by
// every subsystem (queue, codec, filter, mux, pipeline). It has no component
// logic of its own.
package avcore

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way spec §7 enumerates them. Callers branch
// on Kind rather than on string matching or sentinel identity, since a single
// operation (e.g. Muxer.WritePacket) can fail for several distinct reasons.
type Kind int

const (
	// KindUnknown is the zero value; never intentionally returned.
	KindUnknown Kind = iota
	// KindInit covers codec/filter-graph/container preparation failures.
	KindInit
	// KindProtocol covers state-machine violations (stream added after
	// header write, write after trailer, use of a closed component).
	KindProtocol
	// KindBackpressure covers PreMuxQueue/queue capacity overflow.
	KindBackpressure
	// KindCodecFatal covers any non-transient negative return from a codec
	// or filter call. EAGAIN/EOF are handled locally and never reach here.
	KindCodecFatal
	// KindWriter covers container writer errors (excluding EOF).
	KindWriter
	// KindAlloc covers clone/allocation failures from the collaborator
	// layer (astiav returning a nil packet/frame).
	KindAlloc
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindProtocol:
		return "protocol"
	case KindBackpressure:
		return "backpressure"
	case KindCodecFatal:
		return "codec_fatal"
	case KindWriter:
		return "writer"
	case KindAlloc:
		return "alloc"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every exported avcore-family package
// returns for fatal conditions. It carries the operation that failed, the
// taxonomy Kind, and the underlying cause for errors.Unwrap/errors.Is chains.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error, attributing op/kind, and wrapping err. A nil err
// returns nil so call sites can write `return avcore.Wrap(op, kind, err)`
// unconditionally after a fallible call.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Shared sentinels for errors.Is comparisons. No package in this module
// returns them: mux and queue report these conditions with their own
// sentinels (mux's errClosed and errAddStreamAfterFirstPacket,
// queue.ErrClosed).
var (
	// ErrClosed names the "operation on a closed component" condition.
	ErrClosed = errors.New("avcore: component closed")
	// ErrAlreadyInitialized names a protocol violation such as adding a
	// stream to a muxer after the header has been written.
	ErrAlreadyInitialized = errors.New("avcore: already initialized")
)

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error produced by Wrap; returns KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
