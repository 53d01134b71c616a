// Package directory maintains the subscriber directory: a 16-way radix trie keyed by the successive
// 4-bit nibbles of each subscriber identifier. The trie supports abbreviated lookups (with
// ambiguity detection), insertion with automatic splitting, and ordered enumeration, and carries
// the reachability state machine for every subscriber it holds.
package directory

import (
	"bytes"
	"os"

	"github.com/raghuariga/serval-dna/pkg/mesh"
	"github.com/rs/zerolog"
)

// Each treeNode has 16 slots selected by the next 4 bits of a subscriber id.
// A slot either holds a subscriber leaf or points to a deeper tree node; the isTree flag word
// records which, one bit per slot.
type treeNode struct {
	isTree   uint16
	children [16]*treeNode
	leaves   [16]*Subscriber
}

// A Directory is the process-wide subscriber trie plus the collaborators consulted on
// reachability transitions. Subscribers are inserted but never removed.
//
// The directory is not safe for concurrent use; all operations are expected to run on the node's
// event loop.
type Directory struct {
	log  zerolog.Logger
	root treeNode
	self *Subscriber

	keyring          Keyring
	directoryService *Subscriber
	register         func()

	count int
}

// Option configures a Directory at construction time.
type Option func(*Directory)

// WithLogger replaces the directory's default logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Directory) { d.log = l }
}

// WithKeyring sets the keyring asked for signing-key exchanges when an unverified subscriber
// becomes reachable.
func WithKeyring(k Keyring) Option {
	return func(d *Directory) { d.keyring = k }
}

// WithRegistration installs the hook fired when the configured directory-service subscriber
// changes reachability.
func WithRegistration(sid mesh.SID, register func()) Option {
	return func(d *Directory) {
		d.directoryService = d.FindOrInsert(sid[:], mesh.SIDSize, true)
		d.register = register
	}
}

// New returns a directory seeded with the local node's own subscriber, which is marked SELF.
func New(self mesh.SID, opts ...Option) *Directory {
	d := &Directory{
		log: zerolog.New(os.Stdout).Level(zerolog.WarnLevel),
	}
	s := d.FindOrInsert(self[:], mesh.SIDSize, true)
	s.Reachable = ReachableSelf
	d.self = s
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Self returns the subscriber representing the local node.
func (d *Directory) Self() *Subscriber {
	return d.self
}

// Len returns the number of subscribers held.
func (d *Directory) Len() int {
	return d.count
}

// FindOrInsert looks up a subscriber from a whole or abbreviated identifier of `length` bytes.
//
// A full-length id with create set is inserted if absent, splitting leaves as needed and updating
// their AbbreviateLen to the new depth. Insertion from an abbreviated id is forbidden, so create is
// ignored for short ids.
//
// Returns nil when the id is unknown, or when an abbreviated id does not resolve uniquely.
func (d *Directory) FindOrInsert(id []byte, length int, create bool) *Subscriber {
	if length != mesh.SIDSize {
		create = false
	}
	ptr := &d.root
	pos := 0
	for {
		nibble := mesh.Nibble(id, pos)
		pos++

		if ptr.isTree&(1<<nibble) != 0 {
			ptr = ptr.children[nibble]
		} else if ptr.leaves[nibble] == nil {
			// subscriber is not yet known
			if create {
				s := &Subscriber{AbbreviateLen: pos}
				copy(s.SID[:], id)
				ptr.leaves[nibble] = s
				d.count++
			}
			return ptr.leaves[nibble]
		} else {
			// there's a subscriber in this slot, does it match the rest of the id we were given?
			existing := ptr.leaves[nibble]
			if bytes.Equal(existing.SID[:length], id[:length]) {
				return existing
			}

			// inserting here requires a new tree node to hold both subscribers
			if !create {
				return nil
			}
			child := &treeNode{}
			ptr.children[nibble] = child
			ptr.leaves[nibble] = nil
			ptr.isTree |= 1 << nibble

			ptr = child
			nibble = existing.SID.Nibble(pos)
			ptr.leaves[nibble] = existing
			existing.AbbreviateLen = pos + 1
			// then go around the loop again to compare the next nibble until we find an empty slot
		}

		if pos >= length*2 {
			break
		}
	}
	// abbreviation is not unique
	return nil
}

// walk visits subscriber leaves depth-first in SID order.
// start and end are id prefixes bounding the traversal (inclusive); start prunes only the left
// edge of the walk, so it is dropped after the first descent along its path.
// A true return from the callback aborts the walk.
func walk(node *treeNode, pos int, start []byte, startLen int, end []byte, endLen int, cb func(*Subscriber) bool) bool {
	i, e := 0, 16
	if start != nil && pos < startLen*2 {
		i = int(mesh.Nibble(start, pos))
	}
	if end != nil && pos < endLen*2 {
		e = int(mesh.Nibble(end, pos)) + 1
	}

	for ; i < e; i++ {
		if node.isTree&(1<<i) != 0 {
			if walk(node.children[i], pos+1, start, startLen, end, endLen, cb) {
				return true
			}
		} else if s := node.leaves[i]; s != nil &&
			// a leaf may sit above the depth of the bounds, so check its id against them
			(start == nil || bytes.Compare(s.SID[:startLen], start[:startLen]) >= 0) &&
			(end == nil || bytes.Compare(s.SID[:endLen], end[:endLen]) <= 0) {
			if cb(s) {
				return true
			}
		}
		// stop honouring the start bound after the first branch has been examined
		start = nil
	}
	return false
}

// Walk visits every subscriber whose SID falls within the given prefix bounds, in SID order.
// Either bound may be nil to leave that edge open. Passing the same prefix as both bounds visits
// exactly the subscribers matching it. The callback returns true to stop the walk early.
func (d *Directory) Walk(start, end []byte, cb func(*Subscriber) bool) {
	walk(&d.root, 0, start, len(start), end, len(end), cb)
}

// Enumerate visits subscribers in SID order beginning at the given subscriber (inclusive).
// A nil start visits the whole directory.
func (d *Directory) Enumerate(start *Subscriber, cb func(*Subscriber) bool) {
	if start == nil {
		d.Walk(nil, nil, cb)
		return
	}
	d.Walk(start.SID[:], nil, cb)
}
