package bluetooth

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a 48-bit Bluetooth hardware address.
type Address [6]byte

// ParseAddress parses "AA:BB:CC:DD:EE:FF" (case-insensitive, ':' or '-'
// separated) into an Address.
func ParseAddress(s string) (Address, error) {
	var addr Address

	s = strings.TrimSpace(s)
	if len(s) != 17 {
		return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	sep := s[2]
	if sep != ':' && sep != '-' {
		return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	parts := strings.Split(s, string(sep))
	if len(parts) != len(addr) {
		return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	for i, p := range parts {
		if len(p) != 2 {
			return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		addr[i] = byte(b)
	}

	return addr, nil
}

// MustParseAddress is ParseAddress for constants and tests. It panics on error.
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// String returns the canonical upper-case colon-separated form.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// PathComponent returns the form BlueZ uses in device object paths (dev_AA_BB_..).
func (a Address) PathComponent() string {
	return "dev_" + strings.ReplaceAll(a.String(), ":", "_")
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
