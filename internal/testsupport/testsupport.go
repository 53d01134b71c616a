// Package testsupport is an internal-only package that provides utilities for testing uniformity.
package testsupport

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strconv"
	"sync"

	"github.com/raghuariga/serval-dna/internal/misc"
	"github.com/raghuariga/serval-dna/pkg/mesh"
)

// ExpectedActual returns a newline-prefixed string comparing the expected result to the actual
// result. Should be used to add clarity to unit test error messages.
func ExpectedActual[T any](expected, actual T) string {
	return fmt.Sprintf("\n\tExpected: '%v'\n\tActual: '%v'", expected, actual)
}

// RandomSID returns a random, valid subscriber identifier (first byte >= 0x10). A first byte
// drawn below 0x10 is shifted up by 0x10, so 0x10-0x1f come up twice as often as other values.
func RandomSID() mesh.SID {
	var sid mesh.SID
	for i := range sid {
		sid[i] = byte(rand.Uint32())
	}
	if sid[0] < 0x10 {
		sid[0] += 0x10
	}
	return sid
}

// SIDWithPrefix returns a random valid SID beginning with the given bytes.
func SIDWithPrefix(prefix ...byte) mesh.SID {
	sid := RandomSID()
	copy(sid[:], prefix)
	return sid
}

var (
	usedPorts   = make(map[uint16]bool)
	usedPortsMu sync.Mutex
)

// RandomLocalhostAddrPort returns an addrport pointing to a randomly selected port >= 1024 on
// localhost. Maintains a map of ports it has given out to avoid duplicates within one test run.
// Not a perfect solution, but it is just to support testing so ¯\_(ツ)_/¯
func RandomLocalhostAddrPort() netip.AddrPort {
	var port uint16
	for {
		port = misc.RandomPort()
		usedPortsMu.Lock()
		taken := usedPorts[port]
		if !taken {
			usedPorts[port] = true
		}
		usedPortsMu.Unlock()
		if !taken {
			break
		}
	}
	return netip.MustParseAddrPort("127.0.0.1:" + strconv.FormatUint(uint64(port), 10))
}
