// Package catalogue holds the compile-time table of supported hardware-wallet
// device families and the GATT UUIDs each one exposes.
package catalogue

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Family identifies one of the known hardware-wallet device families.
type Family int

const (
	FamilyX Family = iota
	FamilyF
	FamilyS
	FamilyL
)

func (f Family) String() string {
	switch f {
	case FamilyX:
		return "X"
	case FamilyF:
		return "F"
	case FamilyS:
		return "S"
	case FamilyL:
		return "L"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// uuidTemplate is the shared 128-bit template every family's GATT UUIDs are
// derived from. {family} selects the device, {role} selects the
// characteristic within it.
const uuidTemplate = "13D63400-2C97-%s-%s-4C6564676572"

const (
	roleService     = "0000"
	roleNotify      = "0001"
	roleWriteResp   = "0002"
	roleWriteNoResp = "0003"
)

var familyNibble = map[Family]string{
	FamilyX: "0004",
	FamilyF: "6004",
	FamilyS: "3004",
	FamilyL: "4004",
}

// Entry is the resolved set of GATT UUIDs for one device family.
type Entry struct {
	Family               Family
	Service              uuid.UUID
	Notify               uuid.UUID
	WriteWithResponse    uuid.UUID
	WriteWithoutResponse uuid.UUID
}

func mustUUID(family, role string) uuid.UUID {
	s := fmt.Sprintf(uuidTemplate, family, role)
	u, err := uuid.Parse(s)
	if err != nil {
		panic(fmt.Sprintf("catalogue: invalid built-in UUID %q: %v", s, err))
	}
	return u
}

func entryFor(f Family) Entry {
	nibble := familyNibble[f]
	return Entry{
		Family:               f,
		Service:              mustUUID(nibble, roleService),
		Notify:               mustUUID(nibble, roleNotify),
		WriteWithResponse:    mustUUID(nibble, roleWriteResp),
		WriteWithoutResponse: mustUUID(nibble, roleWriteNoResp),
	}
}

// All returns the catalogue entries for every known family, in a stable order.
func All() []Entry {
	return []Entry{
		entryFor(FamilyX),
		entryFor(FamilyF),
		entryFor(FamilyS),
		entryFor(FamilyL),
	}
}

// Lookup returns the catalogue entry whose service UUID matches svc.
func Lookup(svc uuid.UUID) (Entry, bool) {
	for _, e := range All() {
		if e.Service == svc {
			return e, true
		}
	}
	return Entry{}, false
}

// LookupByName resolves a family by its single-letter name (case-insensitive:
// "x", "f", "s", "l"); surrounding whitespace is ignored.
func LookupByName(name string) (Family, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "X":
		return FamilyX, true
	case "F":
		return FamilyF, true
	case "S":
		return FamilyS, true
	case "L":
		return FamilyL, true
	default:
		return 0, false
	}
}

// WriteCharacteristic selects the characteristic a write should target: the
// write-without-response characteristic when the peripheral advertised that
// capability, otherwise the write-with-response one.
func (e Entry) WriteCharacteristic(canWriteWithoutResponse bool) uuid.UUID {
	if canWriteWithoutResponse {
		return e.WriteWithoutResponse
	}
	return e.WriteWithResponse
}

// ServiceUUIDs returns the service UUIDs for a set of families, suitable for
// use as a BLE advertisement scan filter.
func ServiceUUIDs(families []Family) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(families))
	for _, f := range families {
		out = append(out, entryFor(f).Service)
	}
	return out
}

// AllFamilies returns every known family, in the same stable order as All().
func AllFamilies() []Family {
	return []Family{FamilyX, FamilyF, FamilyS, FamilyL}
}
