package secret

import (
	"bytes"
	"testing"
)

func TestWipe(t *testing.T) {
	a := bytes.Repeat([]byte{0xAA}, 32)
	b := bytes.Repeat([]byte{0xBB}, 16)
	Wipe(a, b, nil)
	if !IsZero(a) || !IsZero(b) {
		t.Fatal("buffers not wiped")
	}
}

func TestReplace(t *testing.T) {
	old := bytes.Repeat([]byte{0x01}, 32)
	held := old
	Replace(&held, bytes.Repeat([]byte{0x02}, 32))
	if !IsZero(old) {
		t.Fatal("previous value not wiped")
	}
	if !bytes.Equal(held, bytes.Repeat([]byte{0x02}, 32)) {
		t.Fatalf("unexpected value %x", held)
	}
}

func TestSealOpen(t *testing.T) {
	src := bytes.Repeat([]byte{0x42}, 32)
	e := Seal(src)
	if !IsZero(src) {
		t.Fatal("source not wiped after sealing")
	}

	err := Open(e, func(key []byte) error {
		if !bytes.Equal(key, bytes.Repeat([]byte{0x42}, 32)) {
			t.Fatalf("unexpected enclave contents %x", key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
}

func TestEqual(t *testing.T) {
	if !Equal([]byte{1, 2}, []byte{1, 2}) {
		t.Fatal("equal buffers reported different")
	}
	if Equal([]byte{1, 2}, []byte{1, 3}) || Equal([]byte{1}, []byte{1, 0}) {
		t.Fatal("different buffers reported equal")
	}
}
