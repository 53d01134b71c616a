package node

import (
	"fmt"

	"github.com/raghuariga/serval-dna/pkg/mesh"
	"github.com/raghuariga/serval-dna/pkg/mesh/broadcast"
	"github.com/raghuariga/serval-dna/pkg/mesh/buffer"
	"github.com/raghuariga/serval-dna/pkg/mesh/overlay"
)

// Overlay packet layout:
//
//	byte 0  protocol version
//	byte 1  frame type
//	byte 2  ttl
//	byte 3  flags (bit 0: broadcast)
//	[8B BPI when broadcast]
//	source address (overlay codec)
//	destination address (overlay codec; omitted when broadcast)
//	payload
//
// Datagrams whose first byte is a probe magic instead of the protocol version are handled by
// probe.go and never reach this parser.
const (
	protocolVersion byte = 0x01

	flagBroadcast byte = 1 << 0
)

// serializeFrame writes the frame into a fresh transmit buffer.
// The source address is written before the context learns the sender, so it is emitted as a
// prefix or full SID that the receiver can resolve; the destination may then collapse to a
// sentinel.
func (n *Node) serializeFrame(f *overlay.Frame) (*buffer.Buffer, error) {
	b := buffer.New()
	b.LimitSize(int(mesh.MaxPacketSize))

	flags := byte(0)
	if f.Broadcast {
		flags |= flagBroadcast
	}
	for _, v := range []byte{protocolVersion, byte(f.Type), f.TTL, flags} {
		if err := b.AppendByte(v); err != nil {
			return nil, err
		}
	}
	if f.Broadcast {
		if err := f.BroadcastID.AppendTo(b); err != nil {
			return nil, err
		}
	}

	ctx := overlay.NewDecodeContext(n.dir)
	if err := overlay.AppendAddress(ctx, b, f.Source); err != nil {
		return nil, fmt.Errorf("serializing source address: %w", err)
	}
	ctx.Sender = f.Source

	if !f.Broadcast {
		if err := overlay.AppendAddress(ctx, b, f.Destination); err != nil {
			return nil, fmt.Errorf("serializing destination address: %w", err)
		}
	}

	if f.Payload != nil {
		if err := b.AppendBytes(f.Payload.Bytes()); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// parseFrame decodes an inbound overlay packet into a frame, resolving its addresses through the
// given per-frame context. The caller inspects ctx.InvalidAddresses before trusting the
// source/destination pointers.
func (n *Node) parseFrame(ctx *overlay.DecodeContext, b *buffer.Buffer) (*overlay.Frame, error) {
	version, err := b.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != protocolVersion {
		return nil, fmt.Errorf("unknown protocol version 0x%02x", version)
	}

	typ, err := b.ReadByte()
	if err != nil {
		return nil, err
	}
	ttl, err := b.ReadByte()
	if err != nil {
		return nil, err
	}
	flags, err := b.ReadByte()
	if err != nil {
		return nil, err
	}

	f := &overlay.Frame{
		Type: overlay.FrameType(typ),
		TTL:  ttl,
	}

	if flags&flagBroadcast != 0 {
		f.Broadcast = true
		if f.BroadcastID, err = broadcast.Parse(b); err != nil {
			return nil, err
		}
	}

	src, err := overlay.ParseAddress(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("parsing source address: %w", err)
	}
	f.Source = src
	ctx.Sender = src

	if !f.Broadcast {
		dst, err := overlay.ParseAddress(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("parsing destination address: %w", err)
		}
		f.Destination = dst
	}

	payload, err := b.ReadBytesPtr(b.Remaining())
	if err != nil {
		return nil, err
	}
	f.Payload = buffer.Wrap(payload)
	return f, nil
}
