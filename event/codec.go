package event

import (
	"encoding/json"
	"fmt"

	"github.com/viant/bintly"
)

// EncodeBinary encodes the event to a binary stream
func (e *SyncEvent) EncodeBinary(stream *bintly.Writer) error {
	stream.String(string(e.changeType))
	stream.String(e.collection)
	stream.String(e.documentID)
	stream.Time(e.timestamp)
	stream.String(e.position)
	stream.Int(e.retryCount)
	doc := ""
	if e.document != nil {
		data, err := json.Marshal(e.document)
		if err != nil {
			return fmt.Errorf("encode document %s: %w", e.documentID, err)
		}
		doc = string(data)
	}
	stream.String(doc)
	return nil
}

// DecodeBinary decodes the event from a binary stream
func (e *SyncEvent) DecodeBinary(stream *bintly.Reader) error {
	var changeType string
	stream.String(&changeType)
	e.changeType = ChangeType(changeType)
	stream.String(&e.collection)
	stream.String(&e.documentID)
	stream.Time(&e.timestamp)
	stream.String(&e.position)
	stream.Int(&e.retryCount)
	var doc string
	stream.String(&doc)
	e.document = nil
	if doc != "" {
		e.document = map[string]interface{}{}
		if err := json.Unmarshal([]byte(doc), &e.document); err != nil {
			return fmt.Errorf("decode document %s: %w", e.documentID, err)
		}
	}
	return nil
}

var (
	writers = bintly.NewWriters()
	readers = bintly.NewReaders()
)

// Marshal returns the binary form of e.
func Marshal(e *SyncEvent) ([]byte, error) {
	writer := writers.Get()
	defer writers.Put(writer)
	if err := e.EncodeBinary(writer); err != nil {
		return nil, err
	}
	data := writer.Bytes()
	ret := make([]byte, len(data))
	copy(ret, data)
	return ret, nil
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (*SyncEvent, error) {
	reader := readers.Get()
	defer readers.Put(reader)
	if err := reader.FromBytes(data); err != nil {
		return nil, err
	}
	ret := &SyncEvent{}
	if err := ret.DecodeBinary(reader); err != nil {
		return nil, err
	}
	return ret, nil
}
