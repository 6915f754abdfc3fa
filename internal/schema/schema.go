// Package schema provides the narrow introspection the validator needs
// over a RegisteredNode's inputs/outputs schema: whether a named field is
// declared and whether it is declared string-typed. Full JSON-Schema
// validation is an external collaborator; this package only answers the
// one question the graph validator asks.
package schema

import "github.com/exospherehost/state-manager/internal/domain"

// IsStringField reports whether fields[name] exists and is type "string".
func IsStringField(fields map[string]domain.FieldSchema, name string) bool {
	f, ok := fields[name]
	if !ok {
		return false
	}
	return f.Type == "string"
}

// MissingStringFields returns, among names, those that are absent or not
// declared string-typed in fields. Used to report every offending input in
// one validation pass rather than failing on the first.
func MissingStringFields(fields map[string]domain.FieldSchema, names []string) []string {
	var missing []string
	for _, n := range names {
		if !IsStringField(fields, n) {
			missing = append(missing, n)
		}
	}
	return missing
}
