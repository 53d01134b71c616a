package overlay

import (
	"errors"
	"fmt"

	"github.com/raghuariga/serval-dna/pkg/mesh"
	"github.com/raghuariga/serval-dna/pkg/mesh/broadcast"
	"github.com/raghuariga/serval-dna/pkg/mesh/directory"
)

var ErrQueueRefused = errors.New("packet queue refused the frame")

// SendPleaseExplain completes and enqueues the explain request accumulated in the context, if any.
// Called once per inbound frame, after the frame has been fully decoded.
//
// A destination that is currently reachable gets a routed unicast request (TTL 64). Otherwise the
// request is broadcast with TTL 1 under a fresh BPI, short-circuited back over the link the
// offending frame arrived on when that much is known. The source always promises its full SID in a
// subsequent frame, since an abbreviation failure usually means a peer does not know us either.
func SendPleaseExplain(ctx *DecodeContext, q PacketQueue, source, destination *directory.Subscriber) error {
	frame := ctx.PleaseExplain
	if frame == nil {
		return nil
	}
	ctx.PleaseExplain = nil
	frame.Type = OFTypePleaseExplain

	if source == nil {
		source = ctx.dir.Self()
	}
	frame.Source = source
	source.SendFull = true
	frame.Destination = destination

	if destination != nil && destination.Reachable&directory.ReachableAny != 0 {
		frame.TTL = 64
	} else {
		frame.TTL = 1
		frame.Broadcast = true
		frame.BroadcastID = broadcast.Generate()
		if ctx.Iface != nil {
			frame.DestinationResolved = true
			frame.NextHop = destination
			frame.RecvAddr = ctx.Addr
			frame.Iface = ctx.Iface
		}
	}

	frame.Queue = OQMeshManagement
	if !q.Enqueue(frame) {
		return ErrQueueRefused
	}
	return nil
}

// ProcessExplain consumes an incoming please-explain frame.
//
// Full-length records teach us subscribers we did not know. Abbreviated records are the peer
// asking us to explain: every matching subscriber we know is collected into a reply, which is sent
// back to the requester through the usual explain path.
func ProcessExplain(d *directory.Directory, q PacketQueue, frame *Frame) error {
	b := frame.Payload
	ctx := NewDecodeContext(d)

	for b.Remaining() > 0 {
		length, err := b.ReadByte()
		if err != nil || length < 1 || int(length) > mesh.SIDSize {
			return fmt.Errorf("badly formatted explain message (length byte %d)", length)
		}
		sid, err := b.ReadBytesPtr(int(length))
		if err != nil {
			return fmt.Errorf("explain message ran past end of buffer: %w", err)
		}

		if int(length) == mesh.SIDSize {
			// also used to inform us of previously unknown subscribers; make sure we know this one
			d.FindOrInsert(sid, mesh.SIDSize, true)
		} else {
			d.Walk(sid, sid, func(s *directory.Subscriber) bool {
				return ctx.addExplainResponse(s)
			})
		}
	}

	return SendPleaseExplain(ctx, q, frame.Destination, frame.Source)
}
