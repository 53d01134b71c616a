package directory

import (
	"net/netip"

	"github.com/raghuariga/serval-dna/pkg/mesh"
)

// Reachability is a bitset describing how (or whether) a subscriber can currently be reached.
type Reachability uint8

const (
	ReachableNone      Reachability = 0
	ReachableSelf      Reachability = 1 << 0
	ReachableBroadcast Reachability = 1 << 1
	ReachableUnicast   Reachability = 1 << 2
	ReachableIndirect  Reachability = 1 << 3
	// ReachableAssumed marks a link that has been probed but not yet confirmed.
	// Only meaningful in combination with ReachableUnicast or ReachableBroadcast.
	ReachableAssumed Reachability = 1 << 4

	// ReachableDirect covers any mode that puts the subscriber one hop away on a local interface.
	ReachableDirect = ReachableBroadcast | ReachableUnicast
	// ReachableAny covers every mode in which the subscriber can be reached at all.
	ReachableAny = ReachableSelf | ReachableBroadcast | ReachableUnicast | ReachableIndirect
)

// String names the reachability mode for log lines.
func (r Reachability) String() string {
	switch r {
	case ReachableNone:
		return "NONE"
	case ReachableSelf:
		return "SELF"
	case ReachableBroadcast:
		return "BROADCAST"
	case ReachableUnicast:
		return "UNICAST"
	case ReachableIndirect:
		return "INDIRECT"
	case ReachableBroadcast | ReachableAssumed:
		return "BROADCAST_ASSUMED"
	case ReachableUnicast | ReachableAssumed:
		return "UNICAST_ASSUMED"
	}
	return "INVALID"
}

// An Iface is the directory's view of a link-layer interface.
// The node's interface table provides the concrete implementation.
type Iface interface {
	Name() string
	Up() bool
}

// A Keyring answers signing-key exchange requests for subscribers whose identity has not been
// verified yet.
type Keyring interface {
	RequestSigningKey(s *Subscriber)
}

// A Subscriber holds everything known about one mesh node.
// Subscribers are owned by the directory slot that holds them; they are created by
// Directory.FindOrInsert and never freed.
type Subscriber struct {
	// SID is the full 256-bit identifier.
	SID mesh.SID
	// AbbreviateLen is the minimum prefix, in nibbles, that uniquely identifies this subscriber
	// within the current directory. It equals the trie depth at which the leaf was placed and is
	// pushed deeper whenever a later insert forces a split.
	AbbreviateLen int
	// Reachable is the stored reachability state. Resolve validates it before trusting it.
	Reachable Reachability
	// NextHop is the forwarding target, meaningful only while ReachableIndirect is set.
	NextHop *Subscriber
	// Iface is the bound link-layer interface, meaningful while any direct mode is set.
	Iface Iface
	// Addr is the unicast socket address, meaningful while ReachableUnicast is set.
	Addr netip.AddrPort
	// SendFull forces the next outbound encoding of this subscriber to carry the full SID.
	// The codec clears it at the point of emission.
	SendFull bool
	// SASValid records whether the signing-key lookup for this subscriber has completed.
	SASValid bool
	// Route is the routing layer's handle for this subscriber, nil until routing claims it.
	Route any
}
