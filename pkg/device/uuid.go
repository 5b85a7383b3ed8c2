package device

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UUID identifies a GATT service, characteristic or descriptor.
type UUID = uuid.UUID

// BaseUUID is the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805F9B34FB.
var BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID16 expands a 16-bit assigned number into a full UUID.
func UUID16(v uint16) UUID {
	return UUID32(uint32(v))
}

// UUID32 expands a 32-bit assigned number into a full UUID.
func UUID32(v uint32) UUID {
	u := BaseUUID
	binary.BigEndian.PutUint32(u[0:4], v)
	return u
}

// ParseUUID accepts the 16-bit ("180d", "0x180D"), 32-bit and 128-bit
// (dashed, undashed or braced) textual forms.
func ParseUUID(s string) (UUID, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "{"), "}")

	switch len(raw) {
	case 4:
		v, err := strconv.ParseUint(raw, 16, 16)
		if err != nil {
			return uuid.Nil, IdentityParseError(fmt.Sprintf("uuid %q", s), err)
		}
		return UUID16(uint16(v)), nil
	case 8:
		v, err := strconv.ParseUint(raw, 16, 32)
		if err != nil {
			return uuid.Nil, IdentityParseError(fmt.Sprintf("uuid %q", s), err)
		}
		return UUID32(uint32(v)), nil
	}

	u, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, IdentityParseError(fmt.Sprintf("uuid %q", s), err)
	}
	return u, nil
}

// MustParseUUID is like ParseUUID but panics on malformed input.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ParseUUIDs parses every element of ss, failing on the first malformed one.
func ParseUUIDs(ss ...string) ([]UUID, error) {
	result := make([]UUID, 0, len(ss))
	for i, s := range ss {
		u, err := ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("uuid at index %d: %w", i, err)
		}
		result = append(result, u)
	}
	return result, nil
}

// IsShortUUID reports whether u lies in the Bluetooth SIG base range.
func IsShortUUID(u UUID) bool {
	return [12]byte(u[4:]) == [12]byte(BaseUUID[4:])
}

// ShortUUID renders u in its shortest form: four hex digits for 16-bit
// assigned numbers, eight for 32-bit ones, the canonical form otherwise.
func ShortUUID(u UUID) string {
	if !IsShortUUID(u) {
		return u.String()
	}
	v := binary.BigEndian.Uint32(u[0:4])
	if v <= 0xFFFF {
		return fmt.Sprintf("%04x", v)
	}
	return fmt.Sprintf("%08x", v)
}
