package overlay

import (
	"bytes"
	"testing"

	. "github.com/raghuariga/serval-dna/internal/testsupport"
	"github.com/raghuariga/serval-dna/pkg/mesh"
	"github.com/raghuariga/serval-dna/pkg/mesh/buffer"
	"github.com/raghuariga/serval-dna/pkg/mesh/directory"
)

func insert(t *testing.T, d *directory.Directory, sid mesh.SID) *directory.Subscriber {
	t.Helper()
	s := d.FindOrInsert(sid[:], mesh.SIDSize, true)
	if s == nil {
		t.Fatal("insert failed")
	}
	return s
}

// With a context naming S as sender, the sequence (S, S, T) must encode as SELF, PREVIOUS, then a
// length-prefixed reference to T.
func TestAppendAddressSentinels(t *testing.T) {
	d := directory.New(RandomSID())
	s := insert(t, d, RandomSID())
	tt := insert(t, d, RandomSID())

	ctx := NewDecodeContext(d)
	ctx.Sender = s

	b := buffer.New()
	for _, sub := range []*directory.Subscriber{s, s, tt} {
		if err := AppendAddress(ctx, b, sub); err != nil {
			t.Fatal(err)
		}
	}

	raw := b.Bytes()
	if raw[0] != OACodeSelf {
		t.Error("first reference", ExpectedActual(OACodeSelf, raw[0]))
	}
	if raw[1] != OACodePrevious {
		t.Error("second reference", ExpectedActual(OACodePrevious, raw[1]))
	}
	length := int(raw[2])
	if length < 1 || length > mesh.SIDSize {
		t.Fatalf("third reference has invalid length byte %d", length)
	}
	if !bytes.Equal(raw[3:3+length], tt.SID[:length]) {
		t.Error("third reference does not carry T's prefix")
	}
}

// A repeated subscriber that is not the sender must collapse to PREVIOUS.
func TestAppendAddressPrevious(t *testing.T) {
	d := directory.New(RandomSID())
	s := insert(t, d, RandomSID())

	ctx := NewDecodeContext(d)
	b := buffer.New()
	if err := AppendAddress(ctx, b, s); err != nil {
		t.Fatal(err)
	}
	if err := AppendAddress(ctx, b, s); err != nil {
		t.Fatal(err)
	}
	raw := b.Bytes()
	if raw[len(raw)-1] != OACodePrevious {
		t.Error("repeat emission", ExpectedActual(OACodePrevious, raw[len(raw)-1]))
	}
}

// SendFull must force a single full-length emission, then clear.
func TestAppendAddressSendFull(t *testing.T) {
	d := directory.New(RandomSID())
	s := insert(t, d, RandomSID())
	s.SendFull = true

	b := buffer.New()
	if err := AppendAddress(NewDecodeContext(d), b, s); err != nil {
		t.Fatal(err)
	}
	if int(b.Bytes()[0]) != mesh.SIDSize {
		t.Error("forced emission length", ExpectedActual(mesh.SIDSize, int(b.Bytes()[0])))
	}
	if s.SendFull {
		t.Error("SendFull did not clear at emission")
	}

	b = buffer.New()
	if err := AppendAddress(NewDecodeContext(d), b, s); err != nil {
		t.Fatal(err)
	}
	if int(b.Bytes()[0]) == mesh.SIDSize {
		t.Error("second emission was still full length")
	}
}

// Our own identity gets one extra margin byte beyond the minimum abbreviation.
func TestAppendAddressSelfMargin(t *testing.T) {
	selfSID := RandomSID()
	d := directory.New(selfSID)
	other := insert(t, d, RandomSID())

	encLen := func(s *directory.Subscriber) int {
		b := buffer.New()
		if err := AppendAddress(NewDecodeContext(d), b, s); err != nil {
			t.Fatal(err)
		}
		return int(b.Bytes()[0])
	}

	selfLen := encLen(d.Self())
	otherLen := encLen(other)
	wantOther := (other.AbbreviateLen + 3) / 2
	if otherLen != wantOther {
		t.Error("ordinary abbreviation length", ExpectedActual(wantOther, otherLen))
	}
	wantSelf := (d.Self().AbbreviateLen+3)/2 + 1
	if selfLen != wantSelf {
		t.Error("self abbreviation length", ExpectedActual(wantSelf, selfLen))
	}
}

func TestAppendAddressNil(t *testing.T) {
	d := directory.New(RandomSID())
	if err := AppendAddress(NewDecodeContext(d), buffer.New(), nil); err == nil {
		t.Error("expected an error for a nil subscriber")
	}
}

// Encode then decode across two empty contexts must resolve to the same subscriber when the
// receiver's directory learns ids on the fly (full-length references teach).
func TestRoundTrip(t *testing.T) {
	sender := directory.New(RandomSID())
	receiver := directory.New(RandomSID())

	sid := RandomSID()
	s := insert(t, sender, sid)
	s.SendFull = true // full emission so the receiving side can learn the id

	b := buffer.New()
	if err := AppendAddress(NewDecodeContext(sender), b, s); err != nil {
		t.Fatal(err)
	}

	ctx := NewDecodeContext(receiver)
	got, err := ParseAddress(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if ctx.InvalidAddresses {
		t.Fatal("full-length reference flagged invalid")
	}
	if got == nil || got.SID != sid {
		t.Error("decoded subscriber does not match")
	}
	if ctx.Previous != got {
		t.Error("decode did not update the previous register")
	}
}

func TestParseAddressSentinels(t *testing.T) {
	t.Run("self without sender", func(t *testing.T) {
		d := directory.New(RandomSID())
		ctx := NewDecodeContext(d)
		got, err := ParseAddress(ctx, buffer.Wrap([]byte{OACodeSelf}))
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Error("resolved a sender that was never set")
		}
		if !ctx.InvalidAddresses {
			t.Error("missing sender did not flag the context")
		}
	})

	t.Run("previous without previous", func(t *testing.T) {
		d := directory.New(RandomSID())
		ctx := NewDecodeContext(d)
		got, err := ParseAddress(ctx, buffer.Wrap([]byte{OACodePrevious}))
		if err != nil {
			t.Fatal(err)
		}
		if got != nil || !ctx.InvalidAddresses {
			t.Error("missing previous did not flag the context")
		}
	})

	t.Run("self resolves and seeds previous", func(t *testing.T) {
		d := directory.New(RandomSID())
		s := insert(t, d, RandomSID())
		ctx := NewDecodeContext(d)
		ctx.Sender = s

		got, err := ParseAddress(ctx, buffer.Wrap([]byte{OACodeSelf, OACodePrevious}))
		if err != nil || got != s {
			t.Fatal("SELF did not resolve to the sender")
		}
		got, err = ParseAddress(ctx, buffer.Wrap([]byte{OACodePrevious}))
		if err != nil || got != s {
			t.Error("PREVIOUS did not resolve to the sender just decoded")
		}
	})
}

func TestParseAddressErrors(t *testing.T) {
	d := directory.New(RandomSID())

	t.Run("empty buffer", func(t *testing.T) {
		if _, err := ParseAddress(NewDecodeContext(d), buffer.New()); err == nil {
			t.Error("expected an error on an empty buffer")
		}
	})

	t.Run("invalid code", func(t *testing.T) {
		// 0x21..0xfd are neither lengths nor sentinels
		if _, err := ParseAddress(NewDecodeContext(d), buffer.Wrap([]byte{0x21})); err == nil {
			t.Error("expected an error for code 0x21")
		}
	})

	t.Run("truncated reference", func(t *testing.T) {
		if _, err := ParseAddress(NewDecodeContext(d), buffer.Wrap([]byte{0x08, 0xaa})); err == nil {
			t.Error("expected an error for a truncated reference")
		}
	})
}

// An ambiguous abbreviation must flag the context and queue a please-explain listing every known
// candidate followed by the failing prefix.
func TestParseAddressAmbiguous(t *testing.T) {
	d := directory.New(SIDWithPrefix(0xf0))

	x := insert(t, d, SIDWithPrefix(0x10, 0x20, 0x30, 0x00))
	y := insert(t, d, SIDWithPrefix(0x10, 0x20, 0x30, 0x01))

	ctx := NewDecodeContext(d)
	ref := append([]byte{0x03}, x.SID[:3]...)
	got, err := ParseAddress(ctx, buffer.Wrap(ref))
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("ambiguous reference resolved to a subscriber")
	}
	if !ctx.InvalidAddresses {
		t.Error("ambiguous reference did not flag the context")
	}
	if ctx.PleaseExplain == nil {
		t.Fatal("no please-explain was queued")
	}

	p := ctx.PleaseExplain.Payload
	// two full records for X and Y (in sid order), then the failing 3-byte prefix
	for _, want := range []*directory.Subscriber{x, y} {
		length, err := p.ReadByte()
		if err != nil || int(length) != mesh.SIDSize {
			t.Fatal("expected a full-length record, got length", length)
		}
		raw, err := p.ReadBytesPtr(mesh.SIDSize)
		if err != nil || !bytes.Equal(raw, want.SID[:]) {
			t.Fatal("candidate record does not match")
		}
	}
	length, err := p.ReadByte()
	if err != nil || length != 3 {
		t.Fatal("expected the failing prefix record, got length", length)
	}
	raw, err := p.ReadBytesPtr(3)
	if err != nil || !bytes.Equal(raw, x.SID[:3]) {
		t.Fatal("prefix record does not match the failing abbreviation")
	}
	if p.Remaining() != 0 {
		t.Error("unexpected trailing bytes in the explain payload")
	}
}

// An ambiguous match that includes one of our own identities must schedule a full-id emission.
func TestAmbiguousSetsSendFullOnSelf(t *testing.T) {
	selfSID := SIDWithPrefix(0x10, 0x20, 0x30, 0x00)
	d := directory.New(selfSID)
	insert(t, d, SIDWithPrefix(0x10, 0x20, 0x30, 0x01))

	ctx := NewDecodeContext(d)
	ref := append([]byte{0x03}, selfSID[:3]...)
	if _, err := ParseAddress(ctx, buffer.Wrap(ref)); err != nil {
		t.Fatal(err)
	}
	if !d.Self().SendFull {
		t.Error("matching our own identity did not set SendFull")
	}
}
