package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// IDKind tells how the host stack addresses a peripheral.
type IDKind uint8

const (
	// IDOpaque is any identity that matches no known host format.
	IDOpaque IDKind = iota
	// IDUUID is a CoreBluetooth-style identifier.
	IDUUID
	// IDAddress is a 48-bit MAC address.
	IDAddress
	// IDPath is a BlueZ D-Bus object path.
	IDPath
)

func (k IDKind) String() string {
	switch k {
	case IDUUID:
		return "uuid"
	case IDAddress:
		return "address"
	case IDPath:
		return "path"
	default:
		return "opaque"
	}
}

var macPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}([:-][0-9A-Fa-f]{2}){5}$`)

// PeripheralID is the stable, comparable identity of a peripheral as
// reported by the host stack. Its zero value is invalid.
type PeripheralID struct {
	kind  IDKind
	value string
}

// ParsePeripheralID reads an identity previously produced by String.
// Parse(id.String()) == id holds for every valid id.
func ParsePeripheralID(s string) (PeripheralID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PeripheralID{}, IdentityParseError("empty peripheral id", nil)
	}

	if u, err := uuid.Parse(s); err == nil && len(s) == 36 {
		return PeripheralID{kind: IDUUID, value: strings.ToUpper(u.String())}, nil
	}
	if macPattern.MatchString(s) {
		return PeripheralID{kind: IDAddress, value: strings.ToUpper(strings.ReplaceAll(s, "-", ":"))}, nil
	}
	if strings.HasPrefix(s, "/") {
		return PeripheralID{kind: IDPath, value: s}, nil
	}
	return PeripheralID{kind: IDOpaque, value: s}, nil
}

// MustParsePeripheralID is like ParsePeripheralID but panics on malformed input.
func MustParsePeripheralID(s string) PeripheralID {
	id, err := ParsePeripheralID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseAddress parses a MAC address, rejecting every other identity kind.
func ParseAddress(s string) (PeripheralID, error) {
	id, err := ParsePeripheralID(s)
	if err != nil || id.kind != IDAddress {
		return PeripheralID{}, InvalidAddress(fmt.Sprintf("%q", s))
	}
	return id, nil
}

// String returns the canonical serialized form.
func (id PeripheralID) String() string {
	return id.value
}

// Kind reports which host format the id uses.
func (id PeripheralID) Kind() IDKind {
	return id.kind
}

// IsZero reports whether id is the zero value.
func (id PeripheralID) IsZero() bool {
	return id.value == ""
}

func (id PeripheralID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

func (id *PeripheralID) UnmarshalText(text []byte) error {
	parsed, err := ParsePeripheralID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
