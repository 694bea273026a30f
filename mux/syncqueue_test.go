package mux

import (
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
)

func newTestPacket(t *testing.T, dts int64) *astiav.Packet {
	t.Helper()
	p := astiav.AllocPacket()
	p.SetDts(dts)
	p.SetPts(dts)
	return p
}

func TestSyncQueueNotReadyUntilEveryLaneHasAnItemOrIsClosed(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	sq := newSyncQueue(2)
	require.False(t, sq.ready())

	p0 := newTestPacket(t, 10)
	sq.Send(0, p0)
	require.False(t, sq.ready(), "lane 1 has neither an item nor a close")

	sq.Send(1, nil) // close lane 1 with no items
	require.True(t, sq.ready())

	compare := func(idxA int, a *astiav.Packet, idxB int, b *astiav.Packet) int {
		switch {
		case a.Dts() < b.Dts():
			return -1
		case a.Dts() > b.Dts():
			return 1
		default:
			return 0
		}
	}
	idx, pkt, ok := sq.popMin(compare)
	require.True(t, ok)
	require.Equal(t, 0, idx)
	require.Equal(t, int64(10), pkt.Dts())
	pkt.Free()

	_, _, ok = sq.popMin(compare)
	require.False(t, ok)
	require.False(t, sq.allClosed(), "lane 0 is drained but still open")

	sq.Send(0, nil) // close lane 0 as well
	require.True(t, sq.allClosed())
}

func TestSyncQueuePicksGlobalMinimumAcrossLanes(t *testing.T) {
	skipIfNoFFmpegLibs(t)

	sq := newSyncQueue(2)
	a1, a2 := newTestPacket(t, 5), newTestPacket(t, 15)
	b1, b2 := newTestPacket(t, 1), newTestPacket(t, 20)
	sq.Send(0, a1)
	sq.Send(0, a2)
	sq.Send(1, b1)
	sq.Send(1, b2)

	compare := func(idxA int, a *astiav.Packet, idxB int, b *astiav.Packet) int {
		switch {
		case a.Dts() < b.Dts():
			return -1
		case a.Dts() > b.Dts():
			return 1
		default:
			return 0
		}
	}

	var order []int64
	for i := 0; i < 4; i++ {
		_, pkt, ok := sq.popMin(compare)
		require.True(t, ok)
		order = append(order, pkt.Dts())
		pkt.Free()
	}
	require.Equal(t, []int64{1, 5, 15, 20}, order)
}
