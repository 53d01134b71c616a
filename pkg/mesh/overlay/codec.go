// Package overlay implements the link-local address codec of the mesh: subscriber references are
// written in the shortest form that the receiver can still resolve, and references that fail to
// resolve generate please-explain traffic asking the peer for the full identifier.
package overlay

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/raghuariga/serval-dna/pkg/mesh"
	"github.com/raghuariga/serval-dna/pkg/mesh/buffer"
	"github.com/raghuariga/serval-dna/pkg/mesh/directory"
)

const (
	// OACodeSelf refers to the sender of the current frame.
	OACodeSelf byte = 0xff
	// OACodePrevious refers to the same subscriber as the immediately preceding address in the
	// current frame.
	OACodePrevious byte = 0xfe
)

// explainReplyLimit bounds the payload of a please-explain reply.
const explainReplyLimit = 1024

var ErrNoAddress = errors.New("no address supplied")

// A DecodeContext carries the per-frame state threaded through every encode and decode call:
// the frame's sender, the previously written or resolved address, the please-explain frame under
// construction, and the link details the frame arrived on. Contexts never survive across frames.
type DecodeContext struct {
	Sender   *directory.Subscriber
	Previous *directory.Subscriber

	// InvalidAddresses is set when any address in the frame failed to resolve. It is
	// authoritative: a nil subscriber return with this flag set is not an error, but the caller
	// must not act on the unresolved address.
	InvalidAddresses bool

	// PleaseExplain accumulates the explain request generated while decoding this frame, if any.
	PleaseExplain *Frame

	// Iface and Addr describe where the frame arrived, so that a reply can be short-circuited
	// back over the same link.
	Iface directory.Iface
	Addr  netip.AddrPort

	dir *directory.Directory
}

// NewDecodeContext returns a fresh per-frame context resolving against the given directory.
func NewDecodeContext(d *directory.Directory) *DecodeContext {
	return &DecodeContext{dir: d}
}

// Directory returns the directory this context resolves against.
func (ctx *DecodeContext) Directory() *directory.Directory {
	return ctx.dir
}

// AppendAddress writes the shortest safe encoding of the subscriber into the frame buffer:
// the SELF sentinel for the frame's sender, the PREVIOUS sentinel for a repeat of the last written
// address, and otherwise a length-prefixed SID prefix just long enough to be unambiguous in our
// directory. A pending SendFull forces the full identifier and is cleared here.
func AppendAddress(ctx *DecodeContext, b *buffer.Buffer, s *directory.Subscriber) error {
	if s == nil {
		return ErrNoAddress
	}

	switch {
	// a repeat of the last written address collapses to PREVIOUS even when it is also the
	// sender, so runs of the same subscriber encode as one sentinel each
	case ctx != nil && s == ctx.Previous:
		if err := b.AppendByte(OACodePrevious); err != nil {
			return err
		}
	case ctx != nil && s == ctx.Sender:
		if err := b.AppendByte(OACodeSelf); err != nil {
			return err
		}
	default:
		length := mesh.SIDSize
		if s.SendFull {
			s.SendFull = false
		} else {
			// one whole byte beyond the unique nibble prefix, and a further margin byte for our
			// own identity since peers cannot ask us to explain ourselves to them fast enough
			length = (s.AbbreviateLen + 3) / 2
			if s.Reachable == directory.ReachableSelf {
				length++
			}
			if length > mesh.SIDSize {
				length = mesh.SIDSize
			}
		}
		if err := b.AppendByte(byte(length)); err != nil {
			return err
		}
		if err := b.AppendBytes(s.SID[:length]); err != nil {
			return err
		}
	}

	if ctx != nil {
		ctx.Previous = s
	}
	return nil
}

// ParseAddress reads one address reference from the frame buffer.
//
// A nil subscriber with a nil error means the reference could not be resolved; the context's
// InvalidAddresses flag is set and, for ambiguous abbreviations, a please-explain entry has been
// queued. A non-nil error is fatal for the frame.
func ParseAddress(ctx *DecodeContext, b *buffer.Buffer) (*directory.Subscriber, error) {
	code, err := b.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading address code: %w", err)
	}

	switch code {
	case OACodeSelf:
		if ctx.Sender == nil {
			ctx.InvalidAddresses = true
			return nil, nil
		}
		ctx.Previous = ctx.Sender
		return ctx.Sender, nil

	case OACodePrevious:
		if ctx.Previous == nil {
			ctx.InvalidAddresses = true
			return nil, nil
		}
		return ctx.Previous, nil
	}

	if code < 0x01 || int(code) > mesh.SIDSize {
		return nil, fmt.Errorf("invalid address code 0x%02x", code)
	}
	return findAbbreviated(ctx, b, int(code))
}

// findAbbreviated resolves a length-prefixed SID prefix against the directory.
// An unresolvable prefix queues a please-explain carrying every known candidate followed by the
// prefix itself, so the peer both learns our candidates and knows which abbreviation failed.
func findAbbreviated(ctx *DecodeContext, b *buffer.Buffer, length int) (*directory.Subscriber, error) {
	id, err := b.ReadBytesPtr(length)
	if err != nil {
		return nil, fmt.Errorf("not enough bytes in buffer to parse address: %w", err)
	}

	s := ctx.dir.FindOrInsert(id, length, true)
	if s == nil {
		ctx.InvalidAddresses = true

		ctx.ensurePleaseExplain(mesh.MDPMTU)
		ctx.dir.Walk(id, id, func(match *directory.Subscriber) bool {
			return ctx.addExplainResponse(match)
		})

		// the prefix itself goes last so the peer can tell which reference was too short;
		// whole records only, as in addExplainResponse
		if ctx.PleaseExplain.Payload.Fits(1 + length) {
			_ = ctx.PleaseExplain.Payload.AppendByte(byte(length))
			_ = ctx.PleaseExplain.Payload.AppendBytes(id)
		}
		return nil, nil
	}

	ctx.Previous = s
	return s, nil
}

// ensurePleaseExplain lazily allocates the context's explain frame with the given payload cap.
func (ctx *DecodeContext) ensurePleaseExplain(limit int) {
	if ctx.PleaseExplain != nil {
		return
	}
	p := buffer.New()
	p.LimitSize(limit)
	ctx.PleaseExplain = &Frame{Type: OFTypePleaseExplain, Payload: p}
}

// addExplainResponse appends a (32, sid) record for one matching subscriber to the explain
// payload. Matching one of our own identities means a peer does not know us, so the next outbound
// frame must carry our full SID. Returns true once the reply payload is full, aborting the walk.
func (ctx *DecodeContext) addExplainResponse(s *directory.Subscriber) bool {
	ctx.ensurePleaseExplain(explainReplyLimit)

	if s.Reachable == directory.ReachableSelf {
		s.SendFull = true
	}

	// whole records only; a dangling length byte would corrupt the reply
	if !ctx.PleaseExplain.Payload.Fits(1 + mesh.SIDSize) {
		return true
	}
	if err := ctx.PleaseExplain.Payload.AppendByte(mesh.SIDSize); err != nil {
		return true
	}
	if err := ctx.PleaseExplain.Payload.AppendBytes(s.SID[:]); err != nil {
		return true
	}
	return false
}
