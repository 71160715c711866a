// Package identity maps device file names to the vehicle that produced them.
package identity

import (
	"regexp"
	"strings"
	"unicode"
)

// VehicleID is a normalized vehicle registration number such as "02구2392":
// two or three digits, one Hangul syllable, four digits.
type VehicleID string

// platePattern matches the registration number embedded in a file name.
// \d is ASCII-only in RE2; 가-힣 is the precomposed Hangul syllable block.
var platePattern = regexp.MustCompile(`[0-9]{2,3}[가-힣][0-9]{4}`)

// Extract removes all whitespace from name and returns the first substring
// that looks like a vehicle registration number, or "" if there is none.
func Extract(name string) VehicleID {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, name)
	return VehicleID(platePattern.FindString(compact))
}

// Valid reports whether id is exactly one registration number.
func Valid(id VehicleID) bool {
	s := string(id)
	loc := platePattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// LastDigit returns the numeric value of the final digit of id, or -1 when
// id does not end in a digit.
func (id VehicleID) LastDigit() int {
	if id == "" {
		return -1
	}
	c := id[len(id)-1]
	if c < '0' || c > '9' {
		return -1
	}
	return int(c - '0')
}

func (id VehicleID) String() string { return string(id) }

// Lookup reports whether a vehicle is known. The certificate registry
// satisfies it.
type Lookup interface {
	Contains(id VehicleID) bool
}

// Resolver decides which vehicle, if any, a pending file belongs to.
type Resolver interface {
	// Resolve returns the vehicle and Eligible when name carries a
	// registration number that is registered. Ineligible names are not an
	// error.
	Resolve(name string) (VehicleID, Reason)
}

// Reason explains the outcome of Resolve.
type Reason int

const (
	// Eligible means the file may be transmitted.
	Eligible Reason = iota
	// NoIdentity means no registration number was found in the name.
	NoIdentity
	// Unregistered means the number has no certificate.
	Unregistered
)

func (r Reason) String() string {
	switch r {
	case Eligible:
		return "eligible"
	case NoIdentity:
		return "no_identity"
	case Unregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// PlateResolver resolves file names with Extract and checks the result
// against a Lookup.
type PlateResolver struct {
	lookup Lookup
}

var _ Resolver = (*PlateResolver)(nil)

func NewPlateResolver(lookup Lookup) *PlateResolver {
	return &PlateResolver{lookup: lookup}
}

func (r *PlateResolver) Resolve(name string) (VehicleID, Reason) {
	id := Extract(name)
	if id == "" {
		return "", NoIdentity
	}
	if !r.lookup.Contains(id) {
		return id, Unregistered
	}
	return id, Eligible
}
