package pipeline

import (
	"sort"
	"strings"

	"github.com/viant/embedsync/schema"
)

const (
	// DefaultMinTextLength is the shortest string the fallback heuristic accepts.
	DefaultMinTextLength = 10
	// DefaultMaxPayloadText caps the text kept in a point payload, in runes.
	DefaultMaxPayloadText = 1000
)

// CollectionConfig selects the fields of one collection.
type CollectionConfig struct {
	// EmbedFields are joined, in order, into the embedded text. Dotted paths address nested fields.
	EmbedFields []string `yaml:"embedFields" json:"embedFields,omitempty"`
	// PayloadFields are copied into the point payload.
	PayloadFields []string `yaml:"payloadFields" json:"payloadFields,omitempty"`
}

// Extractor builds embeddable text from documents.
type Extractor struct {
	Collections   map[string]CollectionConfig
	MinTextLength int
	// NoPlaceholder disables the "Document ID: <id>" text for documents without any text.
	NoPlaceholder bool
}

// NewExtractor creates an extractor with the default fallback length.
func NewExtractor(collections map[string]CollectionConfig) *Extractor {
	return &Extractor{Collections: collections, MinTextLength: DefaultMinTextLength}
}

// Text returns the configured fields joined by newlines. When none of them has
// a value it returns the first string field (in key order) of at least
// MinTextLength characters, then the id placeholder.
func (e *Extractor) Text(doc *schema.SourceDocument) string {
	if doc == nil {
		return ""
	}
	if cfg, ok := e.Collections[doc.Collection]; ok && len(cfg.EmbedFields) > 0 {
		var parts []string
		for _, field := range cfg.EmbedFields {
			if text := strings.TrimSpace(doc.String(field)); text != "" {
				parts = append(parts, text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	if text := e.firstLongString(doc.Fields); text != "" {
		return text
	}
	if e.NoPlaceholder || doc.ID == "" {
		return ""
	}
	return "Document ID: " + doc.ID
}

func (e *Extractor) firstLongString(fields map[string]interface{}) string {
	minLength := e.MinTextLength
	if minLength <= 0 {
		minLength = DefaultMinTextLength
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := fields[k].(string); ok {
			s = strings.TrimSpace(s)
			if len([]rune(s)) >= minLength {
				return s
			}
		}
	}
	return ""
}

// Fields returns the configured payload fields present in doc.
func (e *Extractor) Fields(doc *schema.SourceDocument) map[string]interface{} {
	cfg, ok := e.Collections[doc.Collection]
	if !ok || len(cfg.PayloadFields) == 0 {
		return nil
	}
	result := map[string]interface{}{}
	for _, field := range cfg.PayloadFields {
		if value, ok := doc.Lookup(field); ok && value != nil {
			result[field] = value
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Truncate cuts text to at most limit runes.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
