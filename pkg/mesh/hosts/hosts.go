// Package hosts loads the static host configuration: subscribers whose unicast address is known
// ahead of time (lab rigs, gateways, nodes behind links that never broadcast). Each entry seeds a
// probe at startup so the subscriber can be promoted to unicast reachability once it answers.
//
// The file format is one entry per line:
//
//	<64 hex digit sid> <ipv4> <port> [interface]
//
// with '#' starting a comment.
package hosts

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/raghuariga/serval-dna/pkg/mesh"
)

// A Host is one configured unicast seed.
type Host struct {
	SID mesh.SID
	// InterfaceName restricts the probe to a named interface; empty means any.
	InterfaceName string
	Addr          netip.Addr
	Port          uint16
}

// A Config is the parsed hosts table, indexed by SID.
type Config struct {
	bySID map[mesh.SID]Host
}

// Lookup returns the configured host record for the given SID, if any.
func (c *Config) Lookup(sid mesh.SID) (Host, bool) {
	if c == nil {
		return Host{}, false
	}
	h, ok := c.bySID[sid]
	return h, ok
}

// Len returns the number of configured hosts.
func (c *Config) Len() int {
	if c == nil {
		return 0
	}
	return len(c.bySID)
}

// All calls fn for every configured host.
func (c *Config) All(fn func(Host)) {
	if c == nil {
		return
	}
	for _, h := range c.bySID {
		fn(h)
	}
}

// Load reads a hosts file from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the hosts format from r.
// Later entries for the same SID replace earlier ones.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{bySID: make(map[mesh.SID]Host)}

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 || len(fields) > 4 {
			return nil, fmt.Errorf("hosts line %d: want '<sid> <ipv4> <port> [interface]', got %d fields", lineNo, len(fields))
		}

		sid, err := mesh.ParseSID(fields[0])
		if err != nil {
			return nil, fmt.Errorf("hosts line %d: %w", lineNo, err)
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil {
			return nil, fmt.Errorf("hosts line %d: %w", lineNo, err)
		}
		if !addr.Is4() {
			return nil, fmt.Errorf("hosts line %d: %s is not an IPv4 address", lineNo, fields[1])
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("hosts line %d: bad port: %w", lineNo, err)
		}

		h := Host{SID: sid, Addr: addr, Port: uint16(port)}
		if len(fields) == 4 {
			h.InterfaceName = fields[3]
		}
		cfg.bySID[sid] = h
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}
