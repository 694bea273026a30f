// Package pipeline implements the scheduler primitive and pipeline
// assembler of spec §4.6 (components C6 and C7): it wires demuxers,
// decoder/encoder/filter/BSF adapters and a muxer into a running chain of
// goroutines connected by the channel-returning Frames/Packets iterator
// methods each adapter already exposes (package codec, package filter).
package pipeline

import "sync"

// Cancel is spec §4.6's stop() flag: flipped once, observed by every
// consumer loop between items.
type Cancel struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancel returns a ready-to-use Cancel token.
func NewCancel() *Cancel {
	return &Cancel{ch: make(chan struct{})}
}

// Stop flips the flag. Safe to call more than once or concurrently.
func (c *Cancel) Stop() {
	c.once.Do(func() { close(c.ch) })
}

// Stopped reports whether Stop has been called.
func (c *Cancel) Stopped() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once Stop has been called, for select
// statements in forwarding loops.
func (c *Cancel) Done() <-chan struct{} { return c.ch }
