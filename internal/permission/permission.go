// Package permission implements named permission rules and their evaluation.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind selects how a permission matches an actor.
type Kind int

// Permission kinds.
const (
	// KindEveryone allows any actor.
	KindEveryone Kind = iota

	// KindRole allows actors holding one of the listed roles.
	KindRole

	// KindUser allows the listed users.
	KindUser
)

// Validation errors.
var (
	ErrEmptyName   = errors.New("permission: name is required")
	ErrInvalidKind = errors.New("permission: invalid kind")
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindEveryone:
		return "everyone"
	case KindRole:
		return "role"
	case KindUser:
		return "user"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k >= KindEveryone && k <= KindUser
}

// ParseKind parses a kind name or its numeric form.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "everyone", "0":
		return KindEveryone, nil
	case "role", "1":
		return KindRole, nil
	case "user", "2":
		return KindUser, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// UnmarshalJSON accepts both "role" and 1.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return k.UnmarshalText([]byte(s))
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidKind, data)
	}
	return k.UnmarshalText([]byte(strconv.Itoa(n)))
}

// Permission is a named rule. It is immutable after construction.
//
// Two permissions are equal when their names are equal; kind and ids do not
// take part in identity.
type Permission struct {
	name string
	kind Kind
	ids  []string

	positive []uint64
}

// New creates a permission. The ids slice is copied.
func New(name string, kind Kind, ids ...string) (Permission, error) {
	if strings.TrimSpace(name) == "" {
		return Permission{}, ErrEmptyName
	}
	if !kind.Valid() {
		return Permission{}, fmt.Errorf("%w: %d", ErrInvalidKind, int(kind))
	}

	p := Permission{
		name: name,
		kind: kind,
		ids:  append([]string(nil), ids...),
	}
	p.positive = positiveIDs(p.ids)
	return p, nil
}

// MustNew is like New but panics on error. Intended for compiled-in defaults.
func MustNew(name string, kind Kind, ids ...string) Permission {
	p, err := New(name, kind, ids...)
	if err != nil {
		panic(err)
	}
	return p
}

// Name returns the permission name.
func (p Permission) Name() string { return p.name }

// Kind returns the permission kind.
func (p Permission) Kind() Kind { return p.kind }

// IDs returns a copy of the raw id tokens.
func (p Permission) IDs() []string {
	return append([]string(nil), p.ids...)
}

// Equal reports whether p and other have the same name.
func (p Permission) Equal(other Permission) bool {
	return p.name == other.name
}

// IsZero reports whether p is the zero value.
func (p Permission) IsZero() bool {
	return p.name == ""
}

// allows reports whether id is in the positive id set.
func (p Permission) allows(id uint64) bool {
	for _, v := range p.positive {
		if v == id {
			return true
		}
	}
	return false
}

// String returns a short description, e.g. "mod.ban(role: 1, -2)".
func (p Permission) String() string {
	return fmt.Sprintf("%s(%s: %s)", p.name, p.kind, strings.Join(p.ids, ", "))
}
