package schema

// VectorPoint is one entry of the vector index.
type VectorPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// SearchResult is a ranked match returned by a similarity search.
type SearchResult struct {
	ID      string                 `json:"id"`
	Score   float32                `json:"score"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// SourceID returns the payload source id, or "".
func (r *SearchResult) SourceID() string {
	if r.Payload == nil {
		return ""
	}
	if v, ok := r.Payload["source_id"].(string); ok {
		return v
	}
	return ""
}
