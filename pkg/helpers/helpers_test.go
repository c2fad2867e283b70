package helpers

import (
	"bytes"
	"testing"
)

func TestParseUint(t *testing.T) {
	if v, err := ParseUint(" 18446744073709551615"); err != nil || v != 18446744073709551615 {
		t.Errorf("ParseUint(max) = %d, %v", v, err)
	}
	for _, bad := range []string{"", "-1", "0x10", "1e3", "18446744073709551616"} {
		if _, err := ParseUint(bad); err == nil {
			t.Errorf("ParseUint(%q) should fail", bad)
		}
	}
}

func TestApplyPPM(t *testing.T) {
	if got := ApplyPPM(1_000_000, 3000); got != 3000 {
		t.Errorf("ApplyPPM = %d, want 3000", got)
	}
	if got := ApplyPPM(999, 1000); got != 0 {
		t.Errorf("ApplyPPM rounds down, got %d", got)
	}
}

func TestAppendLE(t *testing.T) {
	b := AppendU64LE(nil, 0x0102030405060708)
	b = AppendU16LE(b, 0x0a0b)
	b = AppendU32LE(b, 1)
	want := []byte{8, 7, 6, 5, 4, 3, 2, 1, 0x0b, 0x0a, 1, 0, 0, 0}
	if !bytes.Equal(b, want) {
		t.Errorf("got %x, want %x", b, want)
	}
}

func TestDecodeHash32(t *testing.T) {
	h := "0x" + "ab" + string(bytes.Repeat([]byte("00"), 31))
	got, err := DecodeHash32(h)
	if err != nil {
		t.Fatalf("DecodeHash32: %v", err)
	}
	if got[0] != 0xab {
		t.Errorf("first byte = %x", got[0])
	}
	if _, err := DecodeHash32("abcd"); err == nil {
		t.Error("short hash should fail")
	}
}
