package meta

// Payload keys written with every point.
const (
	SourceID    = "source_id"
	Collection  = "collection"
	Text        = "text"
	ContentHash = "content_hash"
	Fields      = "fields"
)
