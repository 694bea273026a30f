package mux

import "github.com/asticode/go-astiav"

// laneItem is one packet (or EOF marker, pkt == nil) waiting in a sync
// queue lane.
type laneItem struct {
	pkt *astiav.Packet
}

// syncLane buffers one stream's pending packets.
type syncLane struct {
	items  []*laneItem
	closed bool
}

// syncQueue globally interleaves packets across streams in DTS order
// (spec §4.5 Phase 3). It is only constructed when num_interleaved >
// num_encoded, i.e. at least one stream is a stream-copy stream whose
// timestamps are not already guaranteed to arrive in cross-stream DTS
// order the way encoder output naturally does.
//
// A lane's front item is only safe to release once every other open lane
// has at least one buffered item (or has been closed): otherwise a lane
// that simply hasn't been fed yet might actually hold an earlier packet
// than the one about to be picked.
type syncQueue struct {
	lanes []*syncLane
}

func newSyncQueue(n int) *syncQueue {
	sq := &syncQueue{lanes: make([]*syncLane, n)}
	for i := range sq.lanes {
		sq.lanes[i] = &syncLane{}
	}
	return sq
}

// Send appends one packet (nil for EOF) onto stream idx's lane.
func (sq *syncQueue) Send(idx int, pkt *astiav.Packet) {
	lane := sq.lanes[idx]
	if pkt == nil {
		lane.closed = true
		return
	}
	lane.items = append(lane.items, &laneItem{pkt: pkt})
}

// ready reports whether every lane has a buffered item or is closed.
func (sq *syncQueue) ready() bool {
	for _, l := range sq.lanes {
		if len(l.items) == 0 && !l.closed {
			return false
		}
	}
	return true
}

// allClosed reports whether every lane is closed and drained.
func (sq *syncQueue) allClosed() bool {
	for _, l := range sq.lanes {
		if !l.closed || len(l.items) > 0 {
			return false
		}
	}
	return true
}

// popMin removes and returns the lowest-DTS front item across all
// non-empty lanes. compare(idxA, a, idxB, b) must return <0 if a (from lane
// idxA) sorts before b (from lane idxB), using each packet's own stream's
// timebase. Returns ok=false if every lane is currently empty.
func (sq *syncQueue) popMin(compare func(idxA int, a *astiav.Packet, idxB int, b *astiav.Packet) int) (streamIdx int, pkt *astiav.Packet, ok bool) {
	best := -1
	for i, l := range sq.lanes {
		if len(l.items) == 0 {
			continue
		}
		if best == -1 || compare(i, l.items[0].pkt, best, sq.lanes[best].items[0].pkt) < 0 {
			best = i
		}
	}
	if best == -1 {
		return 0, nil, false
	}
	item := sq.lanes[best].items[0]
	sq.lanes[best].items = sq.lanes[best].items[1:]
	return best, item.pkt, true
}
