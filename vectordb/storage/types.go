package storage

// Ptr locates a record inside a value store.
type Ptr struct {
	SegmentID uint32 `json:"segmentId"`
	Offset    uint64 `json:"offset"`
	Length    uint32 `json:"length"`
}

// Stats reports value store usage.
type Stats struct {
	Appends      uint64 `json:"appends"`
	Deletes      uint64 `json:"deletes"`
	BytesWritten uint64 `json:"bytesWritten"`
	BytesRead    uint64 `json:"bytesRead"`
	Segments     int    `json:"segments"`
	// LiveBytes excludes deleted records.
	LiveBytes uint64 `json:"liveBytes"`
	DeadBytes uint64 `json:"deadBytes"`
}

// ValueStore is an append-only record store. Appended records never move
// until Compact is called.
type ValueStore interface {
	Append(value []byte) (Ptr, error)
	Read(ptr Ptr) ([]byte, error)
	// Delete marks the record dead; its space is reclaimed by Compact.
	Delete(ptr Ptr) error
	// Compact drops dead records and returns the new location of each live pointer.
	Compact() (map[Ptr]Ptr, error)
	Close() error
	Stats() Stats
}
