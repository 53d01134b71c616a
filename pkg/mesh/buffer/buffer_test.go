package buffer

import (
	"bytes"
	"errors"
	"testing"
)

func TestAppendRead(t *testing.T) {
	b := New()
	if err := b.AppendByte(0x01); err != nil {
		t.Fatal(err)
	}
	if err := b.AppendBytes([]byte{0x02, 0x03}); err != nil {
		t.Fatal(err)
	}
	if b.Remaining() != 3 {
		t.Fatalf("expected 3 remaining, got %d", b.Remaining())
	}

	v, err := b.ReadByte()
	if err != nil || v != 0x01 {
		t.Fatalf("expected 0x01, got %x (err %v)", v, err)
	}
	rest, err := b.ReadBytesPtr(2)
	if err != nil || !bytes.Equal(rest, []byte{0x02, 0x03}) {
		t.Fatalf("expected 02 03, got %x (err %v)", rest, err)
	}
	if b.Remaining() != 0 {
		t.Errorf("expected nothing remaining, got %d", b.Remaining())
	}
}

func TestLimitSize(t *testing.T) {
	b := New()
	b.LimitSize(2)
	if err := b.AppendBytes([]byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := b.AppendByte(3); !errors.Is(err, ErrOverrun) {
		t.Fatalf("expected ErrOverrun, got %v", err)
	}
	// the failed append must not have mutated the buffer
	if b.Len() != 2 {
		t.Errorf("expected length 2 after refused append, got %d", b.Len())
	}
}

func TestUnderrun(t *testing.T) {
	b := Wrap([]byte{1})
	if _, err := b.ReadBytesPtr(2); !errors.Is(err, ErrUnderrun) {
		t.Fatalf("expected ErrUnderrun, got %v", err)
	}
	if _, err := b.ReadByte(); err != nil {
		t.Fatal("the refused read should not have consumed the remaining byte:", err)
	}
	if _, err := b.ReadByte(); !errors.Is(err, ErrUnderrun) {
		t.Fatalf("expected ErrUnderrun on exhausted buffer, got %v", err)
	}
}

func TestRewind(t *testing.T) {
	b := Wrap([]byte{7, 8})
	if _, err := b.ReadBytesPtr(2); err != nil {
		t.Fatal(err)
	}
	b.Rewind()
	v, err := b.ReadByte()
	if err != nil || v != 7 {
		t.Fatalf("expected 7 after rewind, got %d (err %v)", v, err)
	}
}
