// Package frame encodes and decodes RFCOMM frames: the TS 07.10 basic
// option framing that carries multiplexed channels over one L2CAP link.
//
// Wire format of a frame:
//
//	[1 byte address][1 byte control][1-2 bytes length][credits?][info][1 byte FCS]
//
// The address byte holds EA, C/R and the 6-bit DLCI. The length field uses
// the EA convention: one byte for up to 127 octets, two bytes otherwise.
// A UIH frame with the P/F bit set on a credit flow controlled session
// carries one credit octet ahead of the info field.
package frame

import (
	"errors"
	"fmt"
)

// Type is the frame type held in the control byte with the P/F bit masked off.
type Type byte

const (
	SABM Type = 0x2f // set asynchronous balanced mode, opens a DLC
	UA   Type = 0x63 // unnumbered acknowledgement
	DM   Type = 0x0f // disconnected mode, negative response
	DISC Type = 0x43 // disconnect
	UIH  Type = 0xef // unnumbered information with header check
)

// PF is the poll/final bit of the control byte.
const PF = 0x10

const (
	// MaxLength is the largest info field the two byte length can express.
	MaxLength = 0x7fff

	// MaxDLCI is the largest 6-bit data link connection identifier.
	MaxDLCI = 0x3f

	// MaxChannel is the highest server channel number.
	MaxChannel = 30
)

var (
	ErrShortFrame   = errors.New("frame: short frame")
	ErrBadFCS       = errors.New("frame: bad frame check sequence")
	ErrBadLength    = errors.New("frame: length does not match payload")
	ErrUnknownType  = errors.New("frame: unknown frame type")
	ErrTooLarge     = errors.New("frame: payload too large")
	ErrCreditsNoUIH = errors.New("frame: credits on a non-UIH frame")
)

func (t Type) String() string {
	switch t {
	case SABM:
		return "SABM"
	case UA:
		return "UA"
	case DM:
		return "DM"
	case DISC:
		return "DISC"
	case UIH:
		return "UIH"
	default:
		return fmt.Sprintf("Type(%#02x)", byte(t))
	}
}

// Frame is one decoded RFCOMM frame.
type Frame struct {
	DLCI    uint8
	CR      bool // command/response bit of the address byte
	Type    Type
	PF      bool  // poll/final bit
	Credits uint8 // credit octet to send, UIH only; a non-zero value sets PF
	Data    []byte
}

// MakeDLCI builds a DLCI from the direction bit and server channel.
func MakeDLCI(direction, channel uint8) uint8 {
	return (channel&0x1f)<<1 | direction&0x01
}

// Channel extracts the server channel number from a DLCI.
func Channel(dlci uint8) uint8 {
	return (dlci >> 1) & 0x1f
}

// Direction extracts the direction bit from a DLCI.
func Direction(dlci uint8) uint8 {
	return dlci & 0x01
}

// address packs the address byte.
func address(cr bool, dlci uint8) byte {
	b := byte(0x01) | (dlci&MaxDLCI)<<2
	if cr {
		b |= 0x02
	}
	return b
}

// Marshal encodes the frame including its FCS.
func (f *Frame) Marshal() ([]byte, error) {
	switch f.Type {
	case SABM, UA, DM, DISC, UIH:
	default:
		return nil, ErrUnknownType
	}
	if len(f.Data) > MaxLength {
		return nil, ErrTooLarge
	}
	if f.Credits > 0 && f.Type != UIH {
		return nil, ErrCreditsNoUIH
	}

	ctrl := byte(f.Type)
	if f.PF || f.Credits > 0 {
		ctrl |= PF
	}

	buf := make([]byte, 0, 6+len(f.Data))
	buf = append(buf, address(f.CR, f.DLCI), ctrl)
	buf = appendLength(buf, len(f.Data))
	hdr := len(buf)

	if f.Credits > 0 {
		buf = append(buf, f.Credits)
	}
	buf = append(buf, f.Data...)

	// UIH frames only protect address and control
	covered := buf[:hdr]
	if f.Type == UIH {
		covered = buf[:2]
	}
	return append(buf, FCS(covered)), nil
}

// Unmarshal decodes a frame and checks its FCS. For UIH frames with PF set
// the credit octet, if the session uses credit flow control, is still the
// first byte of Data; see SplitCredits.
func Unmarshal(b []byte) (Frame, error) {
	var f Frame

	if len(b) < 4 {
		return f, ErrShortFrame
	}

	f.CR = b[0]&0x02 != 0
	f.DLCI = b[0] >> 2
	f.PF = b[1]&PF != 0
	f.Type = Type(b[1] &^ PF)

	switch f.Type {
	case SABM, UA, DM, DISC, UIH:
	default:
		return f, ErrUnknownType
	}

	length, n, err := readLength(b[2:])
	if err != nil {
		return f, err
	}
	hdr := 2 + n

	switch body := len(b) - hdr - 1; {
	case body == length:
	case body == length+1 && f.Type == UIH && f.PF:
		// credit octet, not counted in the length
	default:
		return f, ErrBadLength
	}

	covered := b[:hdr]
	if f.Type == UIH {
		covered = b[:2]
	}
	if !CheckFCS(covered, b[len(b)-1]) {
		return f, ErrBadFCS
	}

	f.Data = b[hdr : len(b)-1]
	return f, nil
}

// SplitCredits strips the credit octet from a UIH frame received with PF
// set on a credit flow controlled session.
func (f *Frame) SplitCredits() (uint8, []byte) {
	if !f.PF || f.Type != UIH || len(f.Data) == 0 {
		return 0, f.Data
	}
	return f.Data[0], f.Data[1:]
}

// appendLength writes an EA coded length: one octet up to 127, two otherwise.
func appendLength(buf []byte, n int) []byte {
	if n <= 0x7f {
		return append(buf, byte(n<<1)|0x01)
	}
	return append(buf, byte(n<<1)&0xfe, byte(n>>7))
}

// readLength decodes an EA coded length and returns the octets consumed.
func readLength(b []byte) (int, int, error) {
	if len(b) < 1 {
		return 0, 0, ErrShortFrame
	}
	if b[0]&0x01 != 0 {
		return int(b[0] >> 1), 1, nil
	}
	if len(b) < 2 {
		return 0, 0, ErrShortFrame
	}
	return int(b[0]>>1) | int(b[1])<<7, 2, nil
}
