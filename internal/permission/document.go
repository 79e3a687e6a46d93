package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tidwall/jsonc"
)

// Spec is the persisted form of a permission, keyed by name in a document.
type Spec struct {
	Kind *Kind    `json:"kind,omitempty" yaml:"kind,omitempty" toml:"kind,omitempty"`
	Type *Kind    `json:"type,omitempty" yaml:"type,omitempty" toml:"type,omitempty"`
	IDs  []string `json:"ids" yaml:"ids" toml:"ids"`
}

// NewSpec returns the spec for p.
func NewSpec(p Permission) Spec {
	k := p.Kind()
	return Spec{Kind: &k, IDs: p.IDs()}
}

// kind returns the declared kind. "type" is accepted as an alias for files
// written by older tooling; "kind" wins when both are present.
func (s Spec) kind() Kind {
	switch {
	case s.Kind != nil:
		return *s.Kind
	case s.Type != nil:
		return *s.Type
	default:
		return KindEveryone
	}
}

// Build converts a name-keyed document into permissions ordered by name.
// Invalid entries are reported together; valid entries are still returned.
func Build(doc map[string]Spec) ([]Permission, error) {
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	perms := make([]Permission, 0, len(names))
	var errs []error
	for _, name := range names {
		spec := doc[name]
		p, err := New(name, spec.kind(), spec.IDs...)
		if err != nil {
			errs = append(errs, fmt.Errorf("permission %q: %w", name, err))
			continue
		}
		perms = append(perms, p)
	}
	return perms, errors.Join(errs...)
}

// Document converts permissions back into their persisted form.
func Document(perms ...Permission) map[string]Spec {
	doc := make(map[string]Spec, len(perms))
	for _, p := range perms {
		doc[p.Name()] = NewSpec(p)
	}
	return doc
}

// ParseDocument parses a JSON permission document. Comments and trailing
// commas are allowed since these files are edited by hand.
func ParseDocument(data []byte) (map[string]Spec, error) {
	doc := make(map[string]Spec)
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("parsing permission document: %w", err)
	}
	return doc, nil
}
