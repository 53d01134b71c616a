// Package broadcast implements smart flooding support for the overlay.
//
// Broadcast frames carry an 8-byte random broadcast packet identifier (BPI). Nodes remember
// recently seen BPIs in a small fixed table and refuse to forward repeats, which suppresses
// broadcast storms across the majority of a mesh without any per-frame negotiation.
package broadcast

import (
	"encoding/binary"
	"encoding/hex"
	"math/rand/v2"

	"github.com/raghuariga/serval-dna/pkg/mesh/buffer"
)

// Len is the length, in bytes, of a broadcast packet identifier.
const Len = 8

const (
	cacheSlots = 1024
	slotMask   = 0x3ff
)

// An ID is a broadcast packet identifier.
type ID [Len]byte

// Generate returns a fresh random BPI.
// The randomness only needs to make accidental collisions within a mesh's broadcast lifetime
// negligible.
func Generate() ID {
	var id ID
	binary.BigEndian.PutUint64(id[:], rand.Uint64())
	return id
}

// String renders the BPI as hex for log lines.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// AppendTo serializes the BPI into the given frame buffer.
func (id ID) AppendTo(b *buffer.Buffer) error {
	return b.AppendBytes(id[:])
}

// Parse consumes a BPI from the given frame buffer.
func Parse(b *buffer.Buffer) (ID, error) {
	var id ID
	err := b.ReadBytes(id[:], Len)
	return id, err
}

// slot hashes the BPI down to a cache index with a rolling 3-bit rotate.
// The mixer is weak by modern standards but the hash is purely local, so the occasional extra
// collision only costs a suppressed frame.
func slot(id ID) int {
	var h uint16
	for _, b := range id {
		h = ((h << 3) & 0xfff8) | ((h >> 13) & 0x7)
		h ^= uint16(b)
	}
	return int(h & slotMask)
}

// A Cache remembers recently seen BPIs in a fixed 1024-slot direct-mapped table.
// The zero value is ready for use. Occasional false positives (dropping a legitimate distinct
// broadcast whose BPI collides) are an accepted trade for the fixed 8 KiB footprint.
type Cache struct {
	slots [cacheSlots]ID
}

// DropCheck reports whether a frame carrying this BPI should be dropped as a duplicate.
// A novel BPI overwrites whatever previously occupied its slot and is not dropped.
func (c *Cache) DropCheck(id ID) bool {
	i := slot(id)
	if c.slots[i] == id {
		return true
	}
	c.slots[i] = id
	return false
}
