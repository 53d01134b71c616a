package main

import (
	"flag"
	"math/rand/v2"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/raghuariga/serval-dna/pkg/mesh"
	"github.com/raghuariga/serval-dna/pkg/mesh/hosts"
	"github.com/raghuariga/serval-dna/pkg/mesh/node"
	"github.com/rs/zerolog"
)

func main() {
	var (
		listen    = flag.String("listen", "0.0.0.0:4110", "udp address to accept mesh packets on")
		api       = flag.String("api", "127.0.0.1:4111", "http address for the operator api (empty to disable)")
		sidHex    = flag.String("sid", "", "node identifier as 64 hex digits (random if omitted)")
		hostsPath = flag.String("hosts", "", "path to a static hosts file")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:         os.Stdout,
		FieldsOrder: []string{"node", "sublogger"},
		TimeFormat:  "15:04:05",
	}).With().
		Timestamp().
		Logger().Level(zerolog.InfoLevel)
	if *verbose {
		log = log.Level(zerolog.DebugLevel)
	}

	sid, err := resolveSID(*sidHex)
	if err != nil {
		log.Fatal().Err(err).Msg("bad -sid")
	}

	addr, err := netip.ParseAddrPort(*listen)
	if err != nil {
		log.Fatal().Err(err).Msg("bad -listen address")
	}

	opts := []node.Option{node.WithLogger(&log)}
	if *api != "" {
		apiAddr, err := netip.ParseAddrPort(*api)
		if err != nil {
			log.Fatal().Err(err).Msg("bad -api address")
		}
		opts = append(opts, node.WithAPI(apiAddr))
	}
	if *hostsPath != "" {
		cfg, err := hosts.Load(*hostsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("could not load hosts file")
		}
		opts = append(opts, node.WithHosts(cfg))
	}

	n, err := node.New(sid, addr, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("could not build node")
	}
	if err := n.Start(); err != nil {
		log.Fatal().Err(err).Msg("could not start node")
	}
	log.Info().Str("sid", sid.String()).Msg("node up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	n.Stop()
}

// resolveSID parses the -sid flag, or makes up a random identity when none was given.
// Generated identities avoid the reserved 0x00-0x0f first-byte space.
func resolveSID(hexArg string) (mesh.SID, error) {
	if hexArg != "" {
		return mesh.ParseSID(hexArg)
	}
	var sid mesh.SID
	for i := range sid {
		sid[i] = byte(rand.Uint32())
	}
	if sid[0] < 0x10 {
		sid[0] += 0x10
	}
	return sid, nil
}
