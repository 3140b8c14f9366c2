package grpcgcp

import "sync/atomic"

// idGenerator hands out small, monotonically increasing identifiers. It is
// the same shape as channelz's id generator: a single atomic counter, no
// recycling. ChannelRef ids come from here so that "lowest id wins" ties in
// pickLeastBusy are stable across calls.
type idGenerator struct {
	n atomic.Int64
}

func (g *idGenerator) next() int64 {
	return g.n.Add(1)
}

var channelRefIDs idGenerator
