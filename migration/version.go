package migration

import (
	"fmt"
	"sort"
)

// Version identifies a unit. Versions are digit strings of width 8
// (YYYYMMDD) or 14 (YYYYMMDDhhmmss) and compare lexicographically.
type Version string

// BaseVersion is reserved for the base schema and sorts before any other version.
const BaseVersion Version = "00000000"

const (
	shortVersionLength = 8
	longVersionLength  = 14
)

func ParseVersion(s string) (Version, error) {
	if len(s) != shortVersionLength && len(s) != longVersionLength {
		return "", fmt.Errorf("%w: %q must have %d or %d digits", ErrInvalidVersion, s, shortVersionLength, longVersionLength)
	}

	for _, c := range s {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("%w: %q contains non-digit symbol %q", ErrInvalidVersion, s, c)
		}
	}

	return Version(s), nil
}

func (v Version) IsBase() bool {
	return v == BaseVersion
}

func (v Version) Less(other Version) bool {
	return v < other
}

func (v Version) String() string {
	return string(v)
}

func SortVersions(versions []Version) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[i] < versions[j]
	})
}

func SortUnits(units []Unit) {
	sort.Slice(units, func(i, j int) bool {
		return units[i].Version < units[j].Version
	})
}
