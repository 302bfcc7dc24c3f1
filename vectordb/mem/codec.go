package mem

import (
	"encoding/json"
	"fmt"

	"github.com/viant/bintly"
	"github.com/viant/embedsync/schema"
)

// record is the stored form of a point.
type record schema.VectorPoint

// EncodeBinary encodes the point to a binary stream
func (r *record) EncodeBinary(stream *bintly.Writer) error {
	stream.String(r.ID)
	stream.Int(len(r.Vector))
	for _, v := range r.Vector {
		stream.Float32(v)
	}
	payload := ""
	if len(r.Payload) > 0 {
		data, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("encode payload %s: %w", r.ID, err)
		}
		payload = string(data)
	}
	stream.String(payload)
	return nil
}

// DecodeBinary decodes the point from a binary stream
func (r *record) DecodeBinary(stream *bintly.Reader) error {
	stream.String(&r.ID)
	var size int
	stream.Int(&size)
	r.Vector = make([]float32, size)
	for i := range r.Vector {
		stream.Float32(&r.Vector[i])
	}
	var payload string
	stream.String(&payload)
	r.Payload = nil
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return fmt.Errorf("decode payload %s: %w", r.ID, err)
		}
	}
	return nil
}

// snapshot is the persisted form of a collection.
type snapshot struct {
	name     string
	size     int
	distance string
	points   []*record
}

func (s *snapshot) EncodeBinary(stream *bintly.Writer) error {
	stream.String(s.name)
	stream.Int(s.size)
	stream.String(s.distance)
	stream.Int(len(s.points))
	for _, point := range s.points {
		if err := point.EncodeBinary(stream); err != nil {
			return err
		}
	}
	return nil
}

func (s *snapshot) DecodeBinary(stream *bintly.Reader) error {
	stream.String(&s.name)
	stream.Int(&s.size)
	stream.String(&s.distance)
	var count int
	stream.Int(&count)
	s.points = make([]*record, count)
	for i := range s.points {
		s.points[i] = &record{}
		if err := s.points[i].DecodeBinary(stream); err != nil {
			return err
		}
	}
	return nil
}

var (
	writers = bintly.NewWriters()
	readers = bintly.NewReaders()
)

func encode(value bintly.Encoder) ([]byte, error) {
	writer := writers.Get()
	defer writers.Put(writer)
	if err := value.EncodeBinary(writer); err != nil {
		return nil, err
	}
	data := writer.Bytes()
	ret := make([]byte, len(data))
	copy(ret, data)
	return ret, nil
}

func decode(data []byte, value bintly.Decoder) error {
	reader := readers.Get()
	defer readers.Put(reader)
	if err := reader.FromBytes(data); err != nil {
		return err
	}
	return value.DecodeBinary(reader)
}
