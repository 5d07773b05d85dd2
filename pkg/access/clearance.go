// Package access maps connection identities to clearance levels and team
// memberships and gates both publish and read visibility. The source of truth
// is an external identity/authorization service consulted through the
// Directory interface; this layer holds no persistent state of its own.
package access

import "strings"

// Clearance is an ordinal access level. Higher values dominate lower ones.
type Clearance int

const (
	Unclassified Clearance = iota
	Restricted
	Confidential
	Secret
	TopSecret
)

var clearanceNames = map[Clearance]string{
	Unclassified: "unclassified",
	Restricted:   "restricted",
	Confidential: "confidential",
	Secret:       "secret",
	TopSecret:    "topsecret",
}

func (c Clearance) String() string {
	if name, ok := clearanceNames[c]; ok {
		return name
	}
	return "unclassified"
}

// ParseClearance maps a clearance marker to its level. Unknown markers parse
// as Unclassified so an untagged or mistagged event defaults to the lowest
// level rather than an elevated one.
func ParseClearance(s string) Clearance {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "restricted":
		return Restricted
	case "confidential":
		return Confidential
	case "secret":
		return Secret
	case "topsecret", "top_secret":
		return TopSecret
	default:
		return Unclassified
	}
}
