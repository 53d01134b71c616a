// Package node runs a mesh node: it owns the subscriber directory, the broadcast suppression
// cache, the outbound packet queue, and the UDP socket they all feed, and exposes a small HTTP API
// for operators to inspect the node's view of the mesh.
package node

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/raghuariga/serval-dna/pkg/mesh"
	"github.com/raghuariga/serval-dna/pkg/mesh/broadcast"
	"github.com/raghuariga/serval-dna/pkg/mesh/buffer"
	"github.com/raghuariga/serval-dna/pkg/mesh/directory"
	"github.com/raghuariga/serval-dna/pkg/mesh/hosts"
	"github.com/raghuariga/serval-dna/pkg/mesh/overlay"
	"github.com/raghuariga/serval-dna/pkg/mesh/overlay/abbrev"
	"github.com/raghuariga/serval-dna/pkg/mesh/overlay/expiring"
	"github.com/rs/zerolog"
)

const (
	apiName    = "serval-dna"
	apiVersion = "0.1.0"

	// meshInterfaceName is the name the node's UDP socket is registered under in the interface
	// table.
	meshInterfaceName = "mesh0"
)

var (
	ErrBadSID  = errors.New("node sid must not begin with a reserved prefix byte")
	ErrStopped = errors.New("node is not running")
)

func errBadAddr(ap netip.AddrPort) error {
	return errors.New("address " + ap.String() + " is not a valid ip:port")
}

// A Node is one running mesh instance.
// Construct with New, then Start it. All core state (directory, caches, queue) is guarded by a
// single mutex so that core operations stay mutually exclusive, as the codec requires.
type Node struct {
	log  *zerolog.Logger
	sid  mesh.SID
	addr netip.AddrPort

	mu     sync.Mutex
	dir    *directory.Directory
	bcast  *broadcast.Cache
	abbrev *abbrev.Codec
	queue  *packetQueue
	ifaces *InterfaceTable
	hosts  *hosts.Config
	mif    *Interface // the UDP socket's entry in the interface table

	pendingProbes expiring.Table[mesh.SID, pendingProbe]
	probeTTL      time.Duration

	net struct {
		accepting atomic.Bool
		pconn     net.PacketConn
		ctx       context.Context
		cancel    context.CancelFunc
	}

	endpoint struct {
		addr netip.AddrPort // invalid = API disabled
		api  huma.API
		mux  *http.ServeMux
		srv  *http.Server
	}

	keyring          directory.Keyring
	directoryService mesh.SID
	hasDirService    bool

	started time.Time
}

// Option configures a Node at construction time.
type Option func(*Node)

// WithLogger replaces the node's default logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithHosts seeds the node with a static host configuration; each entry is probed at startup.
func WithHosts(cfg *hosts.Config) Option {
	return func(n *Node) { n.hosts = cfg }
}

// WithKeyring sets the keyring consulted when unverified subscribers become reachable.
func WithKeyring(k directory.Keyring) Option {
	return func(n *Node) { n.keyring = k }
}

// WithDirectoryService nominates the subscriber that provides the mesh directory service; the
// node re-registers with it whenever its reachability changes.
func WithDirectoryService(sid mesh.SID) Option {
	return func(n *Node) {
		n.directoryService = sid
		n.hasDirService = true
	}
}

// WithAPI enables the operator HTTP API on the given address.
func WithAPI(addr netip.AddrPort) Option {
	return func(n *Node) { n.endpoint.addr = addr }
}

// WithProbeTimeout overrides how long an unanswered unicast probe is remembered.
func WithProbeTimeout(d time.Duration) Option {
	return func(n *Node) { n.probeTTL = d }
}

// New builds a node identified by sid, listening for mesh traffic on addr.
// The returned node is inert until Start is called.
func New(sid mesh.SID, addr netip.AddrPort, opts ...Option) (*Node, error) {
	if !sid.Valid() {
		return nil, ErrBadSID
	}
	if !addr.IsValid() {
		return nil, errBadAddr(addr)
	}

	n := &Node{
		sid:      sid,
		addr:     addr,
		ifaces:   NewInterfaceTable(),
		probeTTL: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"node"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("node", sid.Abbrev(4)).
			Timestamp().
			Logger().Level(zerolog.WarnLevel)
		n.log = &l
	}

	dirOpts := []directory.Option{
		directory.WithLogger(n.log.With().Str("sublogger", "directory").Logger()),
	}
	if n.keyring != nil {
		dirOpts = append(dirOpts, directory.WithKeyring(n.keyring))
	}
	if n.hasDirService {
		dirOpts = append(dirOpts, directory.WithRegistration(n.directoryService, n.registerWithDirectoryService))
	}
	n.dir = directory.New(sid, dirOpts...)

	n.bcast = &broadcast.Cache{}
	n.queue = newPacketQueue(n.log.With().Str("sublogger", "queue").Logger(), 0)

	ac, err := abbrev.New(0, abbrev.WithLogger(n.log.With().Str("sublogger", "abbrev").Logger()))
	if err != nil {
		return nil, err
	}
	n.abbrev = ac

	n.mif = n.ifaces.Add(meshInterfaceName, netip.AddrPort{})

	if n.endpoint.addr.IsValid() {
		n.endpoint.mux = http.NewServeMux()
		n.endpoint.api = humago.New(n.endpoint.mux, huma.DefaultConfig(apiName, apiVersion))
		n.buildEndpoints()
	}

	n.log.Debug().Str("sid", sid.String()).Str("addr", addr.String()).Msg("node created")
	return n, nil
}

// SID returns the node's own subscriber identifier.
func (n *Node) SID() mesh.SID {
	return n.sid
}

// Directory returns the node's subscriber directory.
func (n *Node) Directory() *directory.Directory {
	return n.dir
}

// Interfaces returns the node's interface table.
func (n *Node) Interfaces() *InterfaceTable {
	return n.ifaces
}

// Start brings up the UDP socket, the outbound drain, the operator API, and fires probes for all
// configured hosts. Ineffectual if the node is already running.
func (n *Node) Start() error {
	if !n.net.accepting.CompareAndSwap(false, true) {
		return nil
	}

	n.net.ctx, n.net.cancel = context.WithCancel(context.Background())

	pconn, err := (&net.ListenConfig{}).ListenPacket(n.net.ctx, "udp", n.addr.String())
	if err != nil {
		n.net.accepting.Store(false)
		return err
	}
	n.net.pconn = pconn
	n.started = time.Now()

	n.log.Info().Str("addr", n.addr.String()).Msg("accepting mesh packets")
	go n.dispatch()
	go n.drain()

	if n.endpoint.addr.IsValid() {
		n.endpoint.srv = &http.Server{
			Addr:    n.endpoint.addr.String(),
			Handler: n.endpoint.mux,
		}
		go func() {
			if err := n.endpoint.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.log.Error().Err(err).Msg("api server died")
			}
		}()
	}

	n.probeConfiguredHosts()

	time.Sleep(30 * time.Millisecond) // buy time for the listeners to actually come up
	return nil
}

// Stop shuts the node down. Ineffectual if it is not running.
func (n *Node) Stop() {
	if !n.net.accepting.CompareAndSwap(true, false) {
		return
	}
	n.log.Info().Msg("shutting down")
	if n.net.cancel != nil {
		n.net.cancel()
	}
	if n.net.pconn != nil {
		_ = n.net.pconn.Close()
	}
	if n.endpoint.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = n.endpoint.srv.Shutdown(shutdownCtx)
	}
}

// dispatch reads inbound datagrams and hands each to the appropriate handler.
func (n *Node) dispatch() {
	for {
		pktbuf := make([]byte, mesh.MaxPacketSize)
		rxN, senderAddr, err := n.net.pconn.ReadFrom(pktbuf)
		if err != nil {
			if n.net.accepting.Load() {
				n.log.Warn().Err(err).Msg("packet read error, dispatcher exiting")
			}
			return
		}
		if rxN == 0 {
			continue
		}
		pkt := pktbuf[:rxN]

		sender, _ := netip.ParseAddrPort(senderAddr.String())
		switch pkt[0] {
		case probeMagic:
			n.handleProbe(pkt, sender)
		case probeAckMagic:
			n.handleProbeAck(pkt, sender)
		case protocolVersion:
			n.handleFrame(pkt, sender)
		default:
			n.log.Debug().Uint8("lead byte", pkt[0]).Msg("unrecognized datagram, dropping")
		}
	}
}

// handleFrame decodes one overlay packet and reacts to it.
// Any please-explain traffic accumulated while decoding is flushed once the frame has been fully
// processed, per the codec's ordering contract.
func (n *Node) handleFrame(pkt []byte, sender netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx := overlay.NewDecodeContext(n.dir)
	ctx.Iface = n.mif
	ctx.Addr = sender

	f, err := n.parseFrame(ctx, buffer.Wrap(pkt))
	if err != nil {
		n.log.Debug().Err(err).Str("from", sender.String()).Msg("discarding malformed frame")
		return
	}

	if f.Broadcast && n.bcast.DropCheck(f.BroadcastID) {
		n.log.Debug().Str("bpi", f.BroadcastID.String()).Msg("duplicate broadcast, dropping")
		return
	}

	// keep the recently-seen cache warm so legacy prefix references from this peer stay
	// resolvable
	if ctx.Sender != nil {
		n.abbrev.CacheAddress(ctx.Sender.SID)
		n.abbrev.SetSender(ctx.Sender.SID)
	}

	if !ctx.InvalidAddresses {
		n.deliver(f)
	}

	if err := overlay.SendPleaseExplain(ctx, n.queue, n.dir.Self(), ctx.Sender); err != nil {
		n.log.Warn().Err(err).Msg("could not send please-explain")
	}
}

// deliver routes a fully resolved frame to its handler.
func (n *Node) deliver(f *overlay.Frame) {
	switch f.Type {
	case overlay.OFTypePleaseExplain:
		if err := overlay.ProcessExplain(n.dir, n.queue, f); err != nil {
			n.log.Debug().Err(err).Msg("bad explain payload")
		}
	default:
		n.log.Debug().Uint8("type", uint8(f.Type)).Msg("no handler for frame type")
	}
}

// drain transmits queued frames until the node stops.
func (n *Node) drain() {
	for {
		select {
		case <-n.net.ctx.Done():
			return
		case <-n.queue.wait():
		}
		for {
			f := n.queue.dequeue()
			if f == nil {
				break
			}
			n.transmit(f)
		}
	}
}

// transmit serializes one frame and writes it to the best known address for its destination.
func (n *Node) transmit(f *overlay.Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()

	b, err := n.serializeFrame(f)
	if err != nil {
		n.log.Warn().Err(err).Msg("could not serialize frame, dropping")
		return
	}

	dst, ok := n.transmitAddr(f)
	if !ok {
		n.log.Debug().Msg("no transmit address for frame, dropping")
		return
	}

	if _, err := n.net.pconn.WriteTo(b.Bytes(), net.UDPAddrFromAddrPort(dst)); err != nil {
		n.log.Warn().Err(err).Str("to", dst.String()).Msg("frame transmit failed")
	}
}

// transmitAddr picks the socket address a frame should be written to.
func (n *Node) transmitAddr(f *overlay.Frame) (netip.AddrPort, bool) {
	// short-circuit replies back over the link the request arrived on
	if f.DestinationResolved && f.RecvAddr.IsValid() {
		return f.RecvAddr, true
	}
	if f.Destination != nil {
		if directory.Resolve(f.Destination)&directory.ReachableUnicast != 0 && f.Destination.Addr.IsValid() {
			return f.Destination.Addr, true
		}
	}
	if f.Broadcast {
		if iface, ok := f.Iface.(*Interface); ok && iface.BroadcastAddr.IsValid() {
			return iface.BroadcastAddr, true
		}
		if n.mif.BroadcastAddr.IsValid() {
			return n.mif.BroadcastAddr, true
		}
	}
	return netip.AddrPort{}, false
}

// registerWithDirectoryService is the hook fired when the directory service becomes reachable.
// Registration itself is handled by the directory service client at a higher layer; the node only
// records that it should happen.
func (n *Node) registerWithDirectoryService() {
	n.log.Info().Msg("directory service reachable, registration requested")
}
