package primary

import (
	"context"

	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/schema"
)

// Store reads documents from the primary store.
type Store interface {
	// Get returns the current document, or nil when it does not exist.
	Get(ctx context.Context, collection, id string) (*schema.SourceDocument, error)
	// Page returns documents ordered by id.
	Page(ctx context.Context, collection string, offset, limit int) ([]*schema.SourceDocument, error)
	Count(ctx context.Context, collection string) (int, error)
	Collections(ctx context.Context) ([]string, error)
}

// Feed streams primary store mutations.
type Feed interface {
	// Subscribe streams changes of collections (all when empty) recorded after
	// position; an empty position starts at the current end of the feed.
	Subscribe(ctx context.Context, collections []string, position string) (Subscription, error)
}

// Subscription is an open change stream.
type Subscription interface {
	// Changes is closed when the subscription ends.
	Changes() <-chan event.RawChange
	// Err returns why the subscription ended, nil on Close or context cancellation.
	Err() error
	Close() error
}

// Source is a primary store that also exposes its change feed.
type Source interface {
	Store
	Feed
}
