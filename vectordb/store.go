package vectordb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/schema"
)

// Distance is the similarity metric of a collection.
type Distance string

const (
	Cosine    Distance = "cosine"
	Euclidean Distance = "euclid"
	Dot       Distance = "dot"
)

// ParseDistance returns the metric for name, defaulting to cosine.
func ParseDistance(name string) (Distance, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cosine":
		return Cosine, nil
	case "euclid", "euclidean", "l2":
		return Euclidean, nil
	case "dot":
		return Dot, nil
	}
	return "", resilience.Errorf(resilience.Configuration, "unsupported distance %q", name)
}

// ErrCollectionMismatch is returned when an existing collection is configured differently.
var ErrCollectionMismatch = errors.New("collection mismatch")

// CollectionConfig describes a collection.
type CollectionConfig struct {
	Name       string
	VectorSize int
	Distance   Distance
	// Recreate drops an existing differently configured collection.
	Recreate bool
}

// Index is a vector index holding one point per source document.
type Index interface {
	EnsureCollection(ctx context.Context, cfg CollectionConfig) error
	Upsert(ctx context.Context, collection string, points []*schema.VectorPoint) error
	DeleteBySourceID(ctx context.Context, collection string, sourceIDs []string) error
	Search(ctx context.Context, collection string, query []float32, limit int, scoreThreshold float32) ([]*schema.SearchResult, error)
	Count(ctx context.Context, collection string) (int, error)
	Get(ctx context.Context, collection, pointID string) (*schema.VectorPoint, error)
}

var pointNamespace = uuid.MustParse("6f0a3c7e-2d4b-5e8f-9a1c-3b7d5e9f1a2c")

// PointID derives the point id of a source document. The same source id always
// yields the same point id.
func PointID(sourceID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(sourceID)).String()
}

// MismatchError reports how an existing collection differs.
func MismatchError(name string, existing, requested CollectionConfig) error {
	return resilience.Wrap(resilience.Configuration, "ensure collection "+name,
		fmt.Errorf("%w: existing size=%d distance=%s, requested size=%d distance=%s",
			ErrCollectionMismatch, existing.VectorSize, existing.Distance, requested.VectorSize, requested.Distance))
}
