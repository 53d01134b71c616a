package node

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	. "github.com/raghuariga/serval-dna/internal/testsupport"
	"github.com/raghuariga/serval-dna/pkg/mesh"
	"github.com/raghuariga/serval-dna/pkg/mesh/directory"
	"github.com/raghuariga/serval-dna/pkg/mesh/hosts"
	"github.com/raghuariga/serval-dna/pkg/mesh/overlay"
)

func TestNodeStartStop(t *testing.T) {
	n, err := New(RandomSID(), RandomLocalhostAddrPort())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := n.Start(); err != nil {
			t.Fatal(err)
		}
		if !n.net.accepting.Load() {
			t.Fatal("node not accepting after Start")
		}
		n.Stop()
		if n.net.accepting.Load() {
			t.Fatal("node still accepting after Stop")
		}
	}
}

func TestNodeRejects(t *testing.T) {
	t.Run("reserved sid", func(t *testing.T) {
		var sid mesh.SID
		sid[0] = 0x05
		if _, err := New(sid, RandomLocalhostAddrPort()); err == nil {
			t.Error("expected an error for a reserved sid")
		}
	})
	t.Run("invalid addr", func(t *testing.T) {
		if _, err := New(RandomSID(), netip.AddrPort{}); err == nil {
			t.Error("expected an error for an invalid address")
		}
	})
}

// Two live nodes: A probes B via its hosts configuration; B's ack must leave B assumed-unicast
// reachable in A's directory.
func TestProbeHandshake(t *testing.T) {
	bSID := RandomSID()
	bAddr := RandomLocalhostAddrPort()
	b, err := New(bSID, bAddr)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	cfg, err := hostsConfig(bSID, bAddr)
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(RandomSID(), RandomLocalhostAddrPort(), WithHosts(cfg))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		a.mu.Lock()
		s := a.dir.FindOrInsert(bSID[:], mesh.SIDSize, false)
		var reach directory.Reachability
		if s != nil {
			reach = s.Reachable
		}
		a.mu.Unlock()

		if reach == directory.ReachableUnicast|directory.ReachableAssumed {
			if s.Addr.Port() != bAddr.Port() {
				t.Error("ack bound the wrong address", ExpectedActual(bAddr.Port(), s.Addr.Port()))
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("B never became assumed-unicast on A (state %v)", reach)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// hostsConfig builds a one-entry hosts table the long way round, through the text format.
func hostsConfig(sid mesh.SID, addr netip.AddrPort) (*hosts.Config, error) {
	line := fmt.Sprintf("%s %s %d\n", sid, addr.Addr(), addr.Port())
	return hosts.Parse(strings.NewReader(line))
}

// A frame with an unresolvable abbreviated source must provoke a please-explain back over the
// same link, naming the failing prefix.
func TestPleaseExplainOverUDP(t *testing.T) {
	nAddr := RandomLocalhostAddrPort()
	n, err := New(RandomSID(), nAddr)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	defer n.Stop()

	peer, err := net.ListenUDP("udp", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	// frame: header, a 2-byte abbreviated source the node cannot know, a full random destination
	dest := RandomSID()
	pkt := []byte{protocolVersion, 0x00, 8, 0x00, 0x02, 0xab, 0xcd, byte(mesh.SIDSize)}
	pkt = append(pkt, dest[:]...)
	if _, err := peer.WriteToUDP(pkt, net.UDPAddrFromAddrPort(nAddr)); err != nil {
		t.Fatal(err)
	}

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := make([]byte, mesh.MaxPacketSize)
	rxN, err := peer.Read(resp)
	if err != nil {
		t.Fatal("no please-explain arrived:", err)
	}
	resp = resp[:rxN]

	if resp[0] != protocolVersion || overlay.FrameType(resp[1]) != overlay.OFTypePleaseExplain {
		t.Fatalf("unexpected response header % x", resp[:4])
	}
	if resp[2] != 1 {
		t.Error("link-local explain ttl", ExpectedActual(1, resp[2]))
	}
	if resp[3]&flagBroadcast == 0 {
		t.Fatal("explain to an unknown peer should be broadcast")
	}

	// skip BPI, then the node's full source address (SendFull was promised)
	body := resp[4:]
	body = body[8:]
	if int(body[0]) != mesh.SIDSize {
		t.Fatal("explain source should carry the full sid, length byte was", body[0])
	}
	if mesh.SID(body[1:1+mesh.SIDSize]) != n.SID() {
		t.Error("explain source is not the node's sid")
	}
	body = body[1+mesh.SIDSize:]

	// payload: the single failing-prefix record
	if body[0] != 0x02 || body[1] != 0xab || body[2] != 0xcd {
		t.Errorf("expected the failing prefix record (02 ab cd), got % x", body[:3])
	}

	// the unknown full destination, meanwhile, was learned
	n.mu.Lock()
	learned := n.dir.FindOrInsert(dest[:], mesh.SIDSize, false)
	n.mu.Unlock()
	if learned == nil {
		t.Error("full-length destination was not learned from the frame")
	}
}

// Duplicate broadcasts must be suppressed by BPI, not re-processed.
func TestBroadcastSuppression(t *testing.T) {
	nAddr := RandomLocalhostAddrPort()
	n, err := New(RandomSID(), nAddr)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	defer n.Stop()

	src := RandomSID()
	bpi := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	pkt := []byte{protocolVersion, 0x00, 1, flagBroadcast}
	pkt = append(pkt, bpi...)
	pkt = append(pkt, byte(mesh.SIDSize))
	pkt = append(pkt, src[:]...)

	peer, err := net.ListenUDP("udp", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	for i := 0; i < 2; i++ {
		if _, err := peer.WriteToUDP(pkt, net.UDPAddrFromAddrPort(nAddr)); err != nil {
			t.Fatal(err)
		}
	}

	// the source is learned exactly once; mostly we are checking nothing explodes and the
	// duplicate takes the drop path
	deadline := time.Now().Add(time.Second)
	for {
		n.mu.Lock()
		s := n.dir.FindOrInsert(src[:], mesh.SIDSize, false)
		n.mu.Unlock()
		if s != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("broadcast frame was never processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	n.mu.Lock()
	dropped := n.bcast.DropCheck([8]byte(bpi))
	n.mu.Unlock()
	if !dropped {
		t.Error("BPI was not retained in the suppression cache")
	}
}
