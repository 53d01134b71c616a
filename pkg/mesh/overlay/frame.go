package overlay

import (
	"net/netip"

	"github.com/raghuariga/serval-dna/pkg/mesh/broadcast"
	"github.com/raghuariga/serval-dna/pkg/mesh/buffer"
	"github.com/raghuariga/serval-dna/pkg/mesh/directory"
)

// FrameType identifies the kind of payload an overlay frame carries.
type FrameType byte

const (
	// OFTypePleaseExplain requests (and answers with) full identifiers for abbreviated addresses
	// the receiver could not resolve.
	OFTypePleaseExplain FrameType = 0x60
)

// QueueClass selects which outbound queue a frame is placed on.
type QueueClass uint8

const (
	OQIsochronousVoice QueueClass = iota
	OQMeshManagement
	OQOrdinary
	OQOpportunistic

	OQMax
)

// A Frame is one overlay payload awaiting transmission or undergoing processing.
type Frame struct {
	Type  FrameType
	TTL   uint8
	Queue QueueClass

	Source      *directory.Subscriber
	Destination *directory.Subscriber

	// Broadcast frames carry a BPI instead of a destination address.
	Broadcast   bool
	BroadcastID broadcast.ID

	// Link-local delivery details, filled in when the destination has already been resolved to a
	// concrete interface and socket address (e.g. answering the frame we just received).
	DestinationResolved bool
	NextHop             *directory.Subscriber
	RecvAddr            netip.AddrPort
	Iface               directory.Iface

	Payload *buffer.Buffer
}

// A PacketQueue accepts frames for transmission.
// Enqueue reports whether the queue took ownership of the frame.
type PacketQueue interface {
	Enqueue(f *Frame) bool
}
