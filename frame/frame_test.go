package frame

import (
	"bytes"
	"errors"
	"testing"
)

// Captured from a real session open: SABM on DLCI 0 and its UA.
func TestKnownControlFrames(t *testing.T) {
	sabm := Frame{DLCI: 0, CR: true, Type: SABM, PF: true}
	b, err := sabm.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(b, []byte{0x03, 0x3f, 0x01, 0x1c}) {
		t.Errorf("unexpected SABM encoding % x", b)
	}

	ua := Frame{DLCI: 0, CR: true, Type: UA, PF: true}
	b, _ = ua.Marshal()
	if !bytes.Equal(b, []byte{0x03, 0x73, 0x01, 0xd7}) {
		t.Errorf("unexpected UA encoding % x", b)
	}
}

func TestDMEncoding(t *testing.T) {
	dm := Frame{DLCI: 2, CR: true, Type: DM, PF: true}
	b, err := dm.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(b, []byte{0x0b, 0x1f, 0x01, 0x73}) {
		t.Errorf("unexpected DM encoding % x", b)
	}
}

func TestUIHWithCredits(t *testing.T) {
	f := Frame{DLCI: 2, CR: true, Type: UIH, Credits: 3, Data: []byte("hi")}
	b, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := []byte{0x0b, 0xff, 0x05, 0x03, 'h', 'i', 0x86}
	if !bytes.Equal(b, want) {
		t.Fatalf("expected % x, got % x", want, b)
	}

	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Type != UIH || !got.PF || got.DLCI != 2 {
		t.Errorf("unexpected header: %+v", got)
	}
	credits, data := got.SplitCredits()
	if credits != 3 || string(data) != "hi" {
		t.Errorf("expected 3 credits and 'hi', got %d and %q", credits, data)
	}
}

func TestUIHWithoutPFKeepsData(t *testing.T) {
	f := Frame{DLCI: 4, Type: UIH, Data: []byte{0x01, 0x02}}
	b, _ := f.Marshal()
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	credits, data := got.SplitCredits()
	if credits != 0 || !bytes.Equal(data, []byte{0x01, 0x02}) {
		t.Errorf("data without PF must not lose its first byte, got %d % x", credits, data)
	}
}

func TestLongLengthUsesTwoOctets(t *testing.T) {
	data := bytes.Repeat([]byte{0xaa}, 300)
	f := Frame{DLCI: 6, Type: UIH, Data: data}
	b, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if b[2]&0x01 != 0 {
		t.Fatal("EA bit must be clear for a two octet length")
	}
	if len(b) != 2+2+300+1 {
		t.Fatalf("unexpected frame size %d", len(b))
	}

	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !bytes.Equal(got.Data, data) {
		t.Error("payload changed in round trip")
	}
}

func TestUnmarshalRejectsCorruption(t *testing.T) {
	b, _ := (&Frame{DLCI: 2, CR: true, Type: SABM, PF: true}).Marshal()
	b[len(b)-1] ^= 0x01
	if _, err := Unmarshal(b); !errors.Is(err, ErrBadFCS) {
		t.Errorf("expected ErrBadFCS, got %v", err)
	}

	if _, err := Unmarshal([]byte{0x03, 0x3f}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("expected ErrShortFrame, got %v", err)
	}

	if _, err := Unmarshal([]byte{0x03, 0x3f, 0x05, 0x1c}); !errors.Is(err, ErrBadLength) {
		t.Errorf("expected ErrBadLength, got %v", err)
	}

	if _, err := Unmarshal([]byte{0x03, 0x01, 0x01, 0x00}); !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestMarshalRejectsInvalidFrames(t *testing.T) {
	if _, err := (&Frame{Type: DM, Credits: 1}).Marshal(); !errors.Is(err, ErrCreditsNoUIH) {
		t.Errorf("expected ErrCreditsNoUIH, got %v", err)
	}
	if _, err := (&Frame{Type: UIH, Data: make([]byte, MaxLength+1)}).Marshal(); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
	if _, err := (&Frame{Type: Type(0x01)}).Marshal(); !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestDLCIHelpers(t *testing.T) {
	dlci := MakeDLCI(1, 5)
	if dlci != 11 {
		t.Errorf("expected DLCI 11, got %d", dlci)
	}
	if Channel(dlci) != 5 || Direction(dlci) != 1 {
		t.Errorf("unexpected split: channel %d direction %d", Channel(dlci), Direction(dlci))
	}
}

func TestFCSCheck(t *testing.T) {
	hdr := []byte{0x0b, 0xef}
	if !CheckFCS(hdr, FCS(hdr)) {
		t.Error("FCS should validate against itself")
	}
	if FCS(hdr) != 0x9a {
		t.Errorf("expected 0x9a, got %#02x", FCS(hdr))
	}
}
