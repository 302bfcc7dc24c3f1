package schema

import (
	"fmt"
	"strings"
	"time"
)

// SourceDocument is a primary-store record at read time.
type SourceDocument struct {
	ID         string                 `json:"id"`
	Collection string                 `json:"collection"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	UpdatedAt  time.Time              `json:"updatedAt,omitempty"`
}

// Lookup returns the value at a dotted field path (e.g. "profile.bio").
func (d *SourceDocument) Lookup(path string) (interface{}, bool) {
	if d == nil || d.Fields == nil {
		return nil, false
	}
	var current interface{} = d.Fields
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

// String returns the field value as text; numbers and booleans are formatted,
// string slices are joined.
func (d *SourceDocument) String(path string) string {
	value, ok := d.Lookup(path)
	if !ok || value == nil {
		return ""
	}
	switch actual := value.(type) {
	case string:
		return actual
	case []string:
		return strings.Join(actual, ", ")
	case []interface{}:
		parts := make([]string, 0, len(actual))
		for _, item := range actual {
			if s, ok := item.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]interface{}:
		return ""
	}
	return fmt.Sprint(value)
}
