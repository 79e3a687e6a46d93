package permission

import (
	"strconv"
	"strings"
)

// NegationMarker prefixes an id token that denotes an exclusion.
const NegationMarker = "-"

// ParseID parses a single id token.
//
// A token starting with the negation marker yields the negated id when the
// remainder is a non-zero unsigned integer. Otherwise the whole token is parsed
// as a positive id. Tokens that do not parse, or parse to zero, report ok=false.
func ParseID(token string) (id uint64, negated bool, ok bool) {
	token = strings.TrimSpace(token)
	if rest, found := strings.CutPrefix(token, NegationMarker); found {
		if v, err := strconv.ParseUint(rest, 10, 64); err == nil && v != 0 {
			return v, true, true
		}
	}
	v, err := strconv.ParseUint(token, 10, 64)
	if err != nil || v == 0 {
		return 0, false, false
	}
	return v, false, true
}

// positiveIDs returns the ids from tokens that are neither negated nor
// discarded, in token order.
func positiveIDs(tokens []string) []uint64 {
	ids := make([]uint64, 0, len(tokens))
	for _, tok := range tokens {
		id, negated, ok := ParseID(tok)
		if !ok || negated {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// NegatedIDs returns the ids explicitly excluded by p.
func (p Permission) NegatedIDs() []uint64 {
	var ids []uint64
	for _, tok := range p.ids {
		if id, negated, ok := ParseID(tok); ok && negated {
			ids = append(ids, id)
		}
	}
	return ids
}

// PositiveIDs returns a copy of the ids p matches against.
func (p Permission) PositiveIDs() []uint64 {
	return append([]uint64(nil), p.positive...)
}
