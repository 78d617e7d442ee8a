package bdaddr

import (
	"errors"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	a, err := Parse("00:1a:7d:DA:71:13")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if a.String() != "00:1A:7D:DA:71:13" {
		t.Errorf("expected upper-case form, got %s", a)
	}
	if a[1] != 0x1a || a[5] != 0x13 {
		t.Errorf("bytes stored out of order: % x", a[:])
	}
}

func TestParseAcceptsDashes(t *testing.T) {
	a, err := Parse("01-02-03-04-05-06")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if a != (Addr{1, 2, 3, 4, 5, 6}) {
		t.Errorf("unexpected address %s", a)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "00:11:22", "00:11:22:33:44:5G", "000:11:22:33:44:55", "00:11:22:33:44:55:66"} {
		if _, err := Parse(s); !errors.Is(err, ErrInvalidAddr) {
			t.Errorf("Parse(%q): expected ErrInvalidAddr, got %v", s, err)
		}
	}
}

func TestAny(t *testing.T) {
	if !Any.IsAny() {
		t.Error("Any should report IsAny")
	}
	if MustParse("00:00:00:00:00:01").IsAny() {
		t.Error("a specific address should not report IsAny")
	}
}

func TestTextMarshalling(t *testing.T) {
	var a Addr
	if err := a.UnmarshalText([]byte("AA:BB:CC:DD:EE:FF")); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	b, _ := a.MarshalText()
	if string(b) != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("expected round trip, got %s", b)
	}
}

func TestSockAddrString(t *testing.T) {
	s := SockAddr{Addr: MustParse("00:00:00:00:00:01"), Channel: 5}
	if s.String() != "00:00:00:00:00:01/5" {
		t.Errorf("unexpected form %s", s)
	}
}
