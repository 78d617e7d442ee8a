package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MCCType identifies a multiplexer control command, carried in UIH
// frames on DLCI 0.
type MCCType byte

const (
	MCCNSC   MCCType = 0x04 // non supported command response
	MCCTest  MCCType = 0x08 // echo test
	MCCPSC   MCCType = 0x10 // power saving control
	MCCRLS   MCCType = 0x14 // remote line status
	MCCFCoff MCCType = 0x18 // aggregate flow off
	MCCPN    MCCType = 0x20 // parameter negotiation
	MCCRPN   MCCType = 0x24 // remote port negotiation
	MCCFCon  MCCType = 0x28 // aggregate flow on
	MCCCLD   MCCType = 0x30 // multiplexer close down
	MCCSNC   MCCType = 0x34 // service negotiation
	MCCMSC   MCCType = 0x38 // modem status
)

// Modem status bits of the MSC signal octet.
const (
	ModemEA  = 0x01 // extension, clear when a break octet follows
	ModemFC  = 0x02 // flow control, set means the sender cannot accept frames
	ModemRTC = 0x04 // ready to communicate (DSR/DTR)
	ModemRTR = 0x08 // ready to receive (RTS/CTS)
	ModemIC  = 0x40 // incoming call
	ModemDV  = 0x80 // data valid
)

// PN flow control field values.
const (
	PNFlowRequestCFC = 0xf0 // command: sender supports credit based flow control
	PNFlowAcceptCFC  = 0xe0 // response: credit based flow control accepted
)

var ErrShortMCC = errors.New("frame: short multiplexer command")

func (t MCCType) String() string {
	switch t {
	case MCCNSC:
		return "NSC"
	case MCCTest:
		return "TEST"
	case MCCPSC:
		return "PSC"
	case MCCRLS:
		return "RLS"
	case MCCFCoff:
		return "FCoff"
	case MCCPN:
		return "PN"
	case MCCRPN:
		return "RPN"
	case MCCFCon:
		return "FCon"
	case MCCCLD:
		return "CLD"
	case MCCSNC:
		return "SNC"
	case MCCMSC:
		return "MSC"
	default:
		return fmt.Sprintf("MCC(%#02x)", byte(t))
	}
}

// MCC is one multiplexer control message.
type MCC struct {
	Type    MCCType
	Command bool // C/R bit: command when set, response otherwise
	Data    []byte
}

// Marshal encodes the type octet, the EA coded length and the value.
func (m MCC) Marshal() []byte {
	t := byte(m.Type)<<2 | 0x01
	if m.Command {
		t |= 0x02
	}
	buf := make([]byte, 0, 3+len(m.Data))
	buf = append(buf, t)
	buf = appendLength(buf, len(m.Data))
	return append(buf, m.Data...)
}

// UnmarshalMCC decodes the first control message in b.
func UnmarshalMCC(b []byte) (MCC, error) {
	var m MCC
	if len(b) < 2 {
		return m, ErrShortMCC
	}

	m.Type = MCCType(b[0] >> 2)
	m.Command = b[0]&0x02 != 0

	length, n, err := readLength(b[1:])
	if err != nil {
		return m, ErrShortMCC
	}
	if len(b) < 1+n+length {
		return m, ErrShortMCC
	}

	m.Data = b[1+n : 1+n+length]
	return m, nil
}

// PN is the parameter negotiation payload.
type PN struct {
	DLCI        uint8
	FlowControl uint8
	Priority    uint8
	AckTimer    uint8
	MTU         uint16
	MaxRetrans  uint8
	Credits     uint8
}

// PNLength is the fixed size of an encoded PN payload.
const PNLength = 8

func (p PN) Marshal() []byte {
	b := make([]byte, PNLength)
	b[0] = p.DLCI & MaxDLCI
	b[1] = p.FlowControl
	b[2] = p.Priority
	b[3] = p.AckTimer
	binary.LittleEndian.PutUint16(b[4:], p.MTU)
	b[6] = p.MaxRetrans
	b[7] = p.Credits
	return b
}

func (p *PN) Unmarshal(b []byte) error {
	if len(b) < PNLength {
		return ErrShortMCC
	}
	p.DLCI = b[0] & MaxDLCI
	p.FlowControl = b[1]
	p.Priority = b[2]
	p.AckTimer = b[3]
	p.MTU = binary.LittleEndian.Uint16(b[4:])
	p.MaxRetrans = b[6]
	p.Credits = b[7]
	return nil
}

// MSC is the modem status payload.
type MSC struct {
	DLCI     uint8
	Modem    uint8
	Break    uint8
	HasBreak bool
}

func (m MSC) Marshal() []byte {
	b := []byte{address(true, m.DLCI), m.Modem}
	if m.HasBreak {
		b[1] &^= ModemEA
		b = append(b, m.Break)
	} else {
		b[1] |= ModemEA
	}
	return b
}

func (m *MSC) Unmarshal(b []byte) error {
	if len(b) < 2 {
		return ErrShortMCC
	}
	m.DLCI = b[0] >> 2
	m.Modem = b[1]
	if b[1]&ModemEA == 0 && len(b) >= 3 {
		m.HasBreak = true
		m.Break = b[2]
	}
	return nil
}

// RPN is the remote port negotiation payload. A request carrying only
// the address octet asks for the current settings.
type RPN struct {
	DLCI         uint8
	BitRate      uint8
	LineSettings uint8
	FlowControl  uint8
	XOn          uint8
	XOff         uint8
	ParamMask    uint16
}

// RPNLength is the size of a full RPN payload.
const RPNLength = 8

// Default port settings: 9600 baud, 8N1, no flow control.
const (
	RPNBitRate9600  = 0x03
	RPNLine8N1      = 0x03
	RPNFlowNone     = 0x00
	RPNXOnChar      = 0x11
	RPNXOffChar     = 0x13
	RPNParamMaskAll = 0x3f7f
)

// DefaultRPN returns the settings reported for dlci.
func DefaultRPN(dlci uint8) RPN {
	return RPN{
		DLCI:         dlci,
		BitRate:      RPNBitRate9600,
		LineSettings: RPNLine8N1,
		FlowControl:  RPNFlowNone,
		XOn:          RPNXOnChar,
		XOff:         RPNXOffChar,
		ParamMask:    RPNParamMaskAll,
	}
}

func (r RPN) Marshal() []byte {
	b := make([]byte, RPNLength)
	b[0] = address(true, r.DLCI)
	b[1] = r.BitRate
	b[2] = r.LineSettings
	b[3] = r.FlowControl
	b[4] = r.XOn
	b[5] = r.XOff
	binary.LittleEndian.PutUint16(b[6:], r.ParamMask)
	return b
}

// Unmarshal decodes b. It reports false when b is a bare settings query.
func (r *RPN) Unmarshal(b []byte) (bool, error) {
	if len(b) < 1 {
		return false, ErrShortMCC
	}
	r.DLCI = b[0] >> 2
	if len(b) == 1 {
		return false, nil
	}
	if len(b) < RPNLength {
		return false, ErrShortMCC
	}
	r.BitRate = b[1]
	r.LineSettings = b[2]
	r.FlowControl = b[3]
	r.XOn = b[4]
	r.XOff = b[5]
	r.ParamMask = binary.LittleEndian.Uint16(b[6:])
	return true, nil
}

// NSC builds the payload of a non supported command response for the
// offending command type octet.
func NSC(t MCCType, command bool) []byte {
	v := byte(t)<<2 | 0x01
	if command {
		v |= 0x02
	}
	return []byte{v}
}
