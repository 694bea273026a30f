// Package mux implements the muxer core of spec §4.5 (component C5): a
// wrapper around an output FormatContext that accepts packets from a mix of
// stream-copy and encoded streams, defers the container header until every
// stream has been initialized, interleaves packets in DTS order, repairs
// timestamps, and writes the trailer on close.
package mux

import (
	"errors"
	"sync"

	"github.com/podfirst/node-av-go/avcore"
)

// State is the muxer's own lifecycle, distinct from avcore.Lifecycle's
// adapter vocabulary: a muxer's phases are named directly after the
// container-writer protocol they guard (spec §4.5's state machine).
type State int

const (
	StateOpened State = iota
	StateHeaderPending
	StateHeaderWritten
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHeaderPending:
		return "header-pending"
	case StateHeaderWritten:
		return "header-written"
	case StateClosed:
		return "closed"
	default:
		return "opened"
	}
}

// errAddStreamAfterFirstPacket guards spec §4.5's "adding streams after the
// first packet has been written is an error".
var errAddStreamAfterFirstPacket = errors.New("mux: cannot add a stream after the first packet has been written")

// errClosed is returned by any write attempted after Close.
var errClosed = errors.New("mux: muxer is closed")

type stateGuard struct {
	mu    sync.Mutex
	state State
	err   error
}

func (g *stateGuard) snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *stateGuard) set(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *stateGuard) fault(op string, kind avcore.Kind, err error) error {
	wrapped := avcore.Wrap(op, kind, err)
	g.mu.Lock()
	g.state = StateClosed
	g.err = wrapped
	g.mu.Unlock()
	return wrapped
}

func (g *stateGuard) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateOpened
}

func (g *stateGuard) compareAndSet(from, to State) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == from {
		g.state = to
		return true
	}
	return false
}
