package mongo

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/primary"
	"github.com/viant/embedsync/resilience"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type changeDoc struct {
	OperationType string `bson:"operationType"`
	NS            struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey  bson.M              `bson:"documentKey"`
	FullDocument bson.M              `bson:"fullDocument"`
	ClusterTime  primitive.Timestamp `bson:"clusterTime"`
}

var watchedOperations = bson.A{"insert", "update", "replace", "delete"}

// Subscribe opens a database change stream. Updates carry the post-image
// looked up at read time. position is a hex encoded resume token; a
// resubscribe with the last emitted position continues after that change.
func (s *Store) Subscribe(ctx context.Context, collections []string, position string) (primary.Subscription, error) {
	pipeline, opts, err := s.watchRequest(collections, position)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := s.db.Watch(streamCtx, pipeline, opts)
	if err != nil {
		cancel()
		return nil, classify("watch", err)
	}
	stream := primary.NewStream(64, func() error {
		cancel()
		return nil
	})
	go func() {
		defer cs.Close(context.Background())
		for cs.Next(streamCtx) {
			var doc changeDoc
			if err := cs.Decode(&doc); err != nil {
				s.logger.Warn().Err(err).Msg("skipping undecodable change")
				continue
			}
			if !stream.Emit(streamCtx, toRawChange(&doc, encodeToken(cs.ResumeToken()))) {
				break
			}
		}
		err := cs.Err()
		if streamCtx.Err() != nil {
			err = nil
		}
		stream.Finish(classify("watch", err))
	}()
	return stream, nil
}

// watchRequest builds the change stream pipeline and options resuming after position.
func (s *Store) watchRequest(collections []string, position string) (bson.A, *options.ChangeStreamOptions, error) {
	match := bson.M{"operationType": bson.M{"$in": watchedOperations}}
	if len(collections) > 0 {
		names := make(bson.A, len(collections))
		for i, c := range collections {
			names[i] = c
		}
		match["ns.coll"] = bson.M{"$in": names}
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if s.maxAwait > 0 {
		opts.SetMaxAwaitTime(s.maxAwait)
	}
	if position != "" {
		token, err := decodeToken(position)
		if err != nil {
			return nil, nil, err
		}
		opts.SetResumeAfter(token)
	}
	return bson.A{bson.M{"$match": match}}, opts, nil
}

func toRawChange(doc *changeDoc, position string) event.RawChange {
	change := event.RawChange{
		Operation:    doc.OperationType,
		Namespace:    doc.NS.DB + "." + doc.NS.Coll,
		DocumentKey:  formatID(doc.DocumentKey["_id"]),
		FullDocument: normalizeDocument(doc.FullDocument),
		Position:     position,
		Time:         time.Now(),
	}
	if doc.ClusterTime.T > 0 {
		change.Time = time.Unix(int64(doc.ClusterTime.T), 0).UTC()
	}
	return change
}

func encodeToken(token bson.Raw) string {
	if len(token) == 0 {
		return ""
	}
	return hex.EncodeToString(token)
}

func decodeToken(position string) (bson.Raw, error) {
	data, err := hex.DecodeString(position)
	if err != nil {
		return nil, resilience.Wrap(resilience.Validation, "resume token", err)
	}
	raw := bson.Raw(data)
	if err := raw.Validate(); err != nil {
		return nil, resilience.Wrap(resilience.Validation, "resume token", err)
	}
	return raw, nil
}
