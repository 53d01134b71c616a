package node

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/raghuariga/serval-dna/pkg/mesh"
	"github.com/raghuariga/serval-dna/pkg/mesh/directory"
	"github.com/raghuariga/serval-dna/pkg/mesh/hosts"
)

// Unicast probes establish whether a configured host is actually there before the routing layer
// starts trusting the link. The exchange is a bare datagram pair:
//
//	probe: [probeMagic][32B sender sid]
//	ack:   [probeAckMagic][32B responder sid]
const (
	probeMagic    byte = 0x02
	probeAckMagic byte = 0x03

	defaultProbeTimeout = 30 * time.Second
)

// pendingProbe remembers where we probed a subscriber, so that the ack can bind the right
// interface and address.
type pendingProbe struct {
	iface *Interface
	addr  netip.AddrPort
}

// SendProbe fires a unicast probe at the given address.
// Fire-and-forget: an answered probe promotes the subscriber to assumed-unicast reachability when
// the ack arrives; an unanswered one is simply forgotten.
func (n *Node) SendProbe(s *directory.Subscriber, addr netip.AddrPort, iface *Interface) error {
	if n.net.pconn == nil {
		return ErrStopped
	}

	pkt := make([]byte, 0, 1+mesh.SIDSize)
	pkt = append(pkt, probeMagic)
	pkt = append(pkt, n.sid[:]...)

	if _, err := n.net.pconn.WriteTo(pkt, net.UDPAddrFromAddrPort(addr)); err != nil {
		return fmt.Errorf("probe transmit failed: %w", err)
	}

	n.pendingProbes.Store(s.SID, pendingProbe{iface: iface, addr: addr}, n.probeTTL)
	n.log.Debug().Str("sid", s.SID.Abbrev(8)).Str("addr", addr.String()).Msg("probe sent")
	return nil
}

// LoadSubscriberAddress consults the hosts configuration for the subscriber and kicks off a
// unicast probe if a record exists. Subscribers that are already reachable are left alone.
// A record naming an unknown interface is a configuration error; the probe is skipped.
func (n *Node) LoadSubscriberAddress(s *directory.Subscriber) error {
	if directory.Resolve(s)&directory.ReachableAny != 0 {
		return nil
	}
	host, ok := n.hosts.Lookup(s.SID)
	if !ok {
		// no unicast configuration, nothing to do
		return nil
	}

	var iface *Interface
	if host.InterfaceName != "" {
		if iface = n.ifaces.FindByName(host.InterfaceName); iface == nil {
			return fmt.Errorf("host %s names unknown interface %q", s.SID.Abbrev(8), host.InterfaceName)
		}
	}

	return n.SendProbe(s, netip.AddrPortFrom(host.Addr, host.Port), iface)
}

// probeConfiguredHosts seeds probes for every host in the static configuration.
func (n *Node) probeConfiguredHosts() {
	if n.hosts == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts.All(func(h hosts.Host) {
		s := n.dir.FindOrInsert(h.SID[:], mesh.SIDSize, true)
		if err := n.LoadSubscriberAddress(s); err != nil {
			n.log.Warn().Err(err).Msg("could not probe configured host")
		}
	})
}

// handleProbe answers an inbound probe with an ack, teaching us the prober's identity on the way
// through.
func (n *Node) handleProbe(pkt []byte, sender netip.AddrPort) {
	if len(pkt) != 1+mesh.SIDSize {
		n.log.Debug().Int("len", len(pkt)).Msg("malformed probe, dropping")
		return
	}

	n.mu.Lock()
	n.dir.FindOrInsert(pkt[1:], mesh.SIDSize, true)
	n.mu.Unlock()

	ack := make([]byte, 0, 1+mesh.SIDSize)
	ack = append(ack, probeAckMagic)
	ack = append(ack, n.sid[:]...)
	if _, err := n.net.pconn.WriteTo(ack, net.UDPAddrFromAddrPort(sender)); err != nil {
		n.log.Debug().Err(err).Msg("probe ack transmit failed")
	}
}

// handleProbeAck resolves an outstanding probe: the responder becomes reachable via
// assumed unicast on the interface the probe named, pending confirmation by real traffic.
func (n *Node) handleProbeAck(pkt []byte, sender netip.AddrPort) {
	if len(pkt) != 1+mesh.SIDSize {
		n.log.Debug().Int("len", len(pkt)).Msg("malformed probe ack, dropping")
		return
	}

	var sid mesh.SID
	copy(sid[:], pkt[1:])

	pending, ok := n.pendingProbes.Load(sid)
	if !ok {
		n.log.Debug().Str("sid", sid.Abbrev(8)).Msg("unsolicited probe ack, ignoring")
		return
	}
	n.pendingProbes.Delete(sid)

	n.mu.Lock()
	defer n.mu.Unlock()

	s := n.dir.FindOrInsert(sid[:], mesh.SIDSize, true)
	if s.Reachable&directory.ReachableAny != 0 {
		return
	}
	var iface directory.Iface
	if pending.iface != nil {
		iface = pending.iface
	} else {
		iface = n.mif
	}
	s.Iface = iface
	s.Addr = sender
	n.dir.SetReachable(s, directory.ReachableUnicast|directory.ReachableAssumed)
}
