package directory

import (
	"fmt"
	"net/netip"
)

// Resolve returns the effective reachability of a subscriber, validating the stored state rather
// than merely reading it.
//
// An INDIRECT subscriber is only reachable while its next hop is itself directly reachable and not
// merely assumed; requiring the next hop's stored state to include a direct mode also caps the
// recursion at one indirect hop. Any direct mode additionally requires a bound interface that is
// still up.
func Resolve(s *Subscriber) Reachability {
	if s == nil {
		return ReachableNone
	}

	ret := s.Reachable

	if ret&ReachableIndirect != 0 {
		switch {
		case s.NextHop == nil:
			ret = ReachableNone
		case s.NextHop.Reachable&ReachableDirect == 0:
			ret = ReachableNone
		default:
			r := Resolve(s.NextHop)
			if r&ReachableAssumed != 0 || r&ReachableDirect == 0 {
				ret = ReachableNone
			}
		}
	}

	if ret&ReachableDirect != 0 {
		// make sure the interface is still up
		if s.Iface == nil || !s.Iface.Up() {
			ret = ReachableNone
		}
	}

	return ret
}

// SetReachable transitions the subscriber's stored reachability state.
//
// On a genuine change the transition is logged, a signing-key exchange is requested for
// subscribers whose identity is still unverified, and the directory-service registration hook is
// fired when the subscriber in question is the configured directory service.
func (d *Directory) SetReachable(s *Subscriber, reachable Reachability) {
	if s.Reachable == reachable {
		return
	}
	s.Reachable = reachable

	d.log.Debug().
		Str("sid", s.SID.Abbrev(8)).
		Str("reachable", reachable.String()).
		Msg("reachability changed")

	if !s.SASValid && reachable&ReachableAny != 0 && d.keyring != nil {
		d.keyring.RequestSigningKey(s)
	}

	if s == d.directoryService && d.register != nil {
		d.register()
	}
}

// SetReachableUnicast marks the subscriber as reachable via a reply unicast packet on the given
// interface. It refuses subscribers that are already reachable in any mode or already owned by the
// routing layer.
func (d *Directory) SetReachableUnicast(s *Subscriber, iface Iface, addr netip.Addr, port uint16) error {
	if s.Reachable&ReachableAny != 0 {
		return fmt.Errorf("subscriber %s is already reachable", s.SID.Abbrev(8))
	}
	if s.Route != nil {
		return fmt.Errorf("subscriber %s is already known for overlay routing", s.SID.Abbrev(8))
	}

	s.Iface = iface
	s.Addr = netip.AddrPortFrom(addr, port)
	d.SetReachable(s, ReachableUnicast)
	return nil
}
