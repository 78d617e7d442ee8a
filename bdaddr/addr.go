package bdaddr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAddr is returned when a string is not a colon separated
// 48-bit device address.
var ErrInvalidAddr = errors.New("invalid bluetooth device address")

// Addr is a 48-bit Bluetooth device address, stored in display order.
type Addr [6]byte

// Any is the wildcard address. A listener bound to Any accepts
// connections arriving on every local adapter.
var Any = Addr{}

// Parse reads an address in the usual "00:11:22:AA:BB:CC" form.
// Dashes are accepted as separators too.
func Parse(s string) (Addr, error) {
	var a Addr

	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' })
	if len(parts) != len(a) {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}

	for i, p := range parts {
		if len(p) != 2 {
			return a, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
		}
		a[i] = byte(v)
	}

	return a, nil
}

// MustParse is Parse for addresses known at compile time.
func MustParse(s string) Addr {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsAny reports whether a is the wildcard address.
func (a Addr) IsAny() bool {
	return a == Any
}

func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// MarshalText lets addresses appear as strings in config files and events.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Addr) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = p
	return nil
}

// SockAddr names one end of an RFCOMM channel: a device address
// plus a server channel number (1-30, 0 meaning unset).
type SockAddr struct {
	Addr    Addr
	Channel uint8
}

func (s SockAddr) String() string {
	return s.Addr.String() + "/" + strconv.Itoa(int(s.Channel))
}
