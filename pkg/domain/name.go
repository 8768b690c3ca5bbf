package domain

import "strings"

// PersonName holds the components of a structured person name as used in
// clinical records.
type PersonName struct {
	// Last is the surname or family name.
	Last string `json:"last,omitempty"`
	// First is the given name.
	First string `json:"first,omitempty"`
	// Middle is the middle name or initial.
	Middle string `json:"middle,omitempty"`
	// Prefix is a title such as "Dr." or "Ms.".
	Prefix string `json:"prefix,omitempty"`
	// Suffix is a name suffix such as "Jr." or "III".
	Suffix string `json:"suffix,omitempty"`
}

// ParsePersonName decomposes a delimited name field into its components.
// Components are separated by '^' or '\' in the order last, first, middle,
// prefix, suffix; the field is trimmed of surrounding whitespace first and
// missing trailing components stay empty. Empty components keep their
// position, so "Doe^^Michael" yields an empty first name.
func ParsePersonName(s string) PersonName {
	normalized := strings.ReplaceAll(strings.TrimSpace(s), `\`, "^")
	parts := strings.Split(normalized, "^")

	var name PersonName
	if len(parts) > 0 {
		name.Last = parts[0]
	}
	if len(parts) > 1 {
		name.First = parts[1]
	}
	if len(parts) > 2 {
		name.Middle = parts[2]
	}
	if len(parts) > 3 {
		name.Prefix = parts[3]
	}
	if len(parts) > 4 {
		name.Suffix = parts[4]
	}
	return name
}
