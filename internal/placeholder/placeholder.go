// Package placeholder implements the input-placeholder grammar:
// head ( "${{" identifier "." "outputs" "." field "}}" tail )*.
// The resolver is pure and reentrant: Parse builds an immutable AST once,
// Render is called after every Dependent has been assigned a Value.
// The identifier "store" is a reserved alias for the per-run Store rather
// than an ancestor node; its field names a store key directly.
package placeholder

import (
	"fmt"
	"strings"
)

// StoreIdentifier is the reserved alias referring to the per-run Store.
const StoreIdentifier = "store"

// Dependent is one "${{ identifier.outputs.field }}" reference, plus the
// literal text that follows it up to the next placeholder (or the end of
// the string).
type Dependent struct {
	Identifier string
	Field      string
	Tail       string
	Value      string
	valueSet   bool
}

// SetValue assigns the resolved value for this dependent.
func (d *Dependent) SetValue(v string) {
	d.Value = v
	d.valueSet = true
}

// DependentString is the parsed form of a placeholder string: a literal
// head followed by an ordered list of dependents.
type DependentString struct {
	Head       string
	Dependents []*Dependent
}

// Parse splits s on "${{" and validates every placeholder segment.
// Malformed input (no closing "}}", fewer than three dot-segments, or a
// middle segment that isn't literally "outputs") raises an error.
func Parse(s string) (*DependentString, error) {
	splits := strings.Split(s, "${{")
	if len(splits) == 1 {
		return &DependentString{Head: s}, nil
	}

	ds := &DependentString{Head: splits[0]}
	for _, chunk := range splits[1:] {
		idx := strings.Index(chunk, "}}")
		if idx < 0 {
			return nil, fmt.Errorf("placeholder: missing closing }} in %q", chunk)
		}
		content, tail := chunk[:idx], chunk[idx+2:]

		parts := strings.Split(content, ".")
		if len(parts) != 3 {
			return nil, fmt.Errorf("placeholder: expected identifier.outputs.field, got %q", content)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if parts[1] != "outputs" {
			return nil, fmt.Errorf("placeholder: middle segment must be %q, got %q", "outputs", parts[1])
		}
		if parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("placeholder: identifier and field must be non-empty")
		}

		ds.Dependents = append(ds.Dependents, &Dependent{
			Identifier: parts[0],
			Field:      parts[2],
			Tail:       tail,
		})
	}
	return ds, nil
}

// Render concatenates head, value0, tail0, value1, tail1, ... . Every
// dependent must have had SetValue called first.
func (ds *DependentString) Render() (string, error) {
	var b strings.Builder
	b.WriteString(ds.Head)
	for _, d := range ds.Dependents {
		if !d.valueSet {
			return "", fmt.Errorf("placeholder: no value assigned for %s.outputs.%s", d.Identifier, d.Field)
		}
		b.WriteString(d.Value)
		b.WriteString(d.Tail)
	}
	return b.String(), nil
}

// IsStoreReference reports whether a dependent refers to the reserved
// Store alias rather than an ancestor node.
func (d *Dependent) IsStoreReference() bool {
	return d.Identifier == StoreIdentifier
}
