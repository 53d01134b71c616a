// Package abbrev implements the opcode-based abbreviation scheme that predates the
// length-prefixed codec in package overlay. Special first bytes 0x00-0x0f (which can never begin a
// real identifier) select how the rest of the reference is read: fixed prefixes of three, seven or
// eleven bytes, table indices assigned by the sender, the previous address, or link-local
// broadcast.
//
// Prefix references resolve through a cache of recently seen addresses. Index references are
// parsed but index tables are not maintained: assignments are acknowledged and ignored, and index
// lookups report unsupported so the caller can raise a please-explain. The encoder consequently
// emits only the seven-byte-prefix form for recently seen addresses and the full address
// otherwise.
package abbrev

import (
	"errors"
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raghuariga/serval-dna/pkg/mesh"
	"github.com/raghuariga/serval-dna/pkg/mesh/buffer"
	"github.com/rs/zerolog"
)

// Wire codes occupying the reserved 0x00-0x0f first-byte space.
const (
	OACode00           byte = 0x00 // reserved
	OACodeIndex1       byte = 0x01 // one-byte index reference
	OACode02           byte = 0x02 // reserved (two-byte index reference)
	OACodePrevious     byte = 0x03 // same as the last address
	OACode04           byte = 0x04 // reserved (matches sender)
	OACodePrefix3      byte = 0x05
	OACodePrefix7      byte = 0x06
	OACodePrefix11     byte = 0x07
	OACodeFullIndex1   byte = 0x08
	OACodePrefix3Idx1  byte = 0x09
	OACodePrefix7Idx1  byte = 0x0a
	OACodePrefix11Idx1 byte = 0x0b
	OACode0C           byte = 0x0c // reserved
	OACodePrefix11Idx2 byte = 0x0d
	OACodeFullIndex2   byte = 0x0e
	OACodeBroadcast    byte = 0x0f // link-local broadcast
)

// Result reports how an Expand call fared.
type Result int

const (
	// Resolved: the full address was recovered.
	Resolved Result = iota
	// PleaseExplain: the reference was understood but could not be resolved locally; the caller
	// should request clarification from the sender.
	PleaseExplain
	// Unsupported: the reference uses a mode this implementation does not support; the caller
	// should tell the sender so.
	Unsupported
)

// DefaultCacheSize is the number of recently seen addresses remembered for prefix resolution.
const DefaultCacheSize = 256

var ErrReservedPrefix = errors.New("0x00-0x0f are reserved prefixes and cannot start an address")

// A Codec holds the link-local abbreviation state for one node: the recently-seen address cache
// consulted for prefix references, and the sender/previous registers for the sentinel codes.
type Codec struct {
	log  zerolog.Logger
	seen *lru.Cache[[3]byte, mesh.SID]

	sender  mesh.SID
	prev    mesh.SID
	prevSet bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithLogger replaces the codec's default logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Codec) { c.log = l }
}

// New returns a Codec whose recently-seen cache holds size addresses (DefaultCacheSize if size
// is not positive).
func New(size int, opts ...Option) (*Codec, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	seen, err := lru.New[[3]byte, mesh.SID](size)
	if err != nil {
		return nil, err
	}
	c := &Codec{
		log:  zerolog.New(os.Stdout).Level(zerolog.WarnLevel),
		seen: seen,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CacheAddress records the address as recently seen, reporting whether it was already cached.
func (c *Codec) CacheAddress(sid mesh.SID) (wasCached bool) {
	key := [3]byte(sid[:3])
	if prev, ok := c.seen.Get(key); ok && prev == sid {
		return true
	}
	c.seen.Add(key, sid)
	return false
}

// SetSender records the sender of the current frame.
func (c *Codec) SetSender(sid mesh.SID) {
	c.sender = sid
}

// SetPrevious records the most recently resolved address.
func (c *Codec) SetPrevious(sid mesh.SID) {
	c.prev = sid
	c.prevSet = true
}

// Abbreviate writes the address into the buffer: a seven-byte prefix when the address was seen
// recently (so the receiver plausibly has it cached too), otherwise the full address.
func (c *Codec) Abbreviate(b *buffer.Buffer, sid mesh.SID) error {
	if !sid.Valid() {
		return ErrReservedPrefix
	}

	if c.CacheAddress(sid) {
		if err := b.AppendByte(OACodePrefix7); err != nil {
			return err
		}
		return b.AppendBytes(sid[:7])
	}
	// not seen recently; the receiver is unlikely to be able to expand a prefix
	return b.AppendBytes(sid[:])
}

// Expand reads one abbreviated reference from the buffer and recovers the full address where
// possible. The reference is always fully consumed, even when it cannot be resolved, so decoding
// can continue past it.
func (c *Codec) Expand(b *buffer.Buffer) (mesh.SID, Result, error) {
	var out mesh.SID

	code, err := b.ReadByte()
	if err != nil {
		return out, PleaseExplain, fmt.Errorf("reading abbreviation code: %w", err)
	}

	switch code {
	case OACode00, OACode02, OACode04, OACode0C:
		return out, Unsupported, nil

	case OACodeIndex1:
		if _, err := b.ReadByte(); err != nil {
			return out, Unsupported, err
		}
		// index tables are not maintained; see the package comment
		return out, Unsupported, nil

	case OACodePrevious:
		if !c.prevSet {
			return out, Unsupported, nil
		}
		return c.prev, Resolved, nil

	case OACodePrefix3, OACodePrefix3Idx1:
		return c.cacheLookup(b, 3, indexBytes(code))

	case OACodePrefix7, OACodePrefix7Idx1:
		return c.cacheLookup(b, 7, indexBytes(code))

	case OACodePrefix11, OACodePrefix11Idx1, OACodePrefix11Idx2:
		return c.cacheLookup(b, 11, indexBytes(code))

	case OACodeBroadcast:
		return mesh.Broadcast, Resolved, nil

	case OACodeFullIndex1, OACodeFullIndex2:
		if err := b.ReadBytes(out[:], mesh.SIDSize); err != nil {
			return out, PleaseExplain, err
		}
		c.rememberIndex(b, out, indexBytes(code))
		c.CacheAddress(out)
		c.SetPrevious(out)
		return out, Resolved, nil

	default:
		// >= 0x10: this was the first byte of an unabbreviated address
		out[0] = code
		if err := b.ReadBytes(out[1:], mesh.SIDSize-1); err != nil {
			return out, PleaseExplain, err
		}
		c.CacheAddress(out)
		c.SetPrevious(out)
		return out, Resolved, nil
	}
}

// indexBytes returns how many trailing index-assignment bytes the code carries.
func indexBytes(code byte) int {
	switch code {
	case OACodePrefix3Idx1, OACodePrefix7Idx1, OACodePrefix11Idx1, OACodeFullIndex1:
		return 1
	case OACodePrefix11Idx2, OACodeFullIndex2:
		return 2
	}
	return 0
}

// cacheLookup resolves a prefix reference against the recently-seen cache, consuming the prefix
// and any trailing index bytes.
func (c *Codec) cacheLookup(b *buffer.Buffer, prefixLen, idxLen int) (mesh.SID, Result, error) {
	var out mesh.SID

	prefix, err := b.ReadBytesPtr(prefixLen)
	if err != nil {
		return out, PleaseExplain, err
	}

	key := [3]byte(prefix[:3])
	cached, ok := c.seen.Get(key)
	match := ok
	if match {
		for i := 0; i < prefixLen; i++ {
			if cached[i] != prefix[i] {
				match = false
				break
			}
		}
	}

	if match {
		out = cached
		if idxLen > 0 {
			c.rememberIndex(b, out, idxLen)
		}
		c.SetPrevious(out)
		return out, Resolved, nil
	}

	// unknown prefix; still consume the index bytes so the caller can keep decoding
	if idxLen > 0 {
		if _, err := b.ReadBytesPtr(idxLen); err != nil {
			return out, PleaseExplain, err
		}
	}
	return out, PleaseExplain, nil
}

// rememberIndex consumes an index assignment attached to a resolved address.
// Index tables are not maintained, so the assignment is noted and dropped; the sender will fall
// back to prefix or full forms when its index references go unanswered.
func (c *Codec) rememberIndex(b *buffer.Buffer, sid mesh.SID, idxLen int) {
	raw, err := b.ReadBytesPtr(idxLen)
	if err != nil {
		return
	}
	index := int(raw[0])
	if idxLen > 1 {
		index = index<<8 | int(raw[1])
	}
	c.log.Debug().
		Str("sid", sid.Abbrev(8)).
		Int("index", index).
		Msg("sender assigned an abbreviation index; ignoring")
}
