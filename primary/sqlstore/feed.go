package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/primary"
	"github.com/viant/embedsync/resilience"
)

type logRow struct {
	seq        int64
	collection string
	documentID string
	op         string
	payload    sql.NullString
}

// Subscribe polls the change log for rows after position, a decimal sequence
// number. An empty position starts after the latest recorded change.
//
// MySQL and Postgres assign seq before commit, so a concurrent transaction can
// commit a lower seq after a higher one was read. Missing seqs within the
// late-commit window behind the newest read row are re-read on every poll and
// emitted once they appear; a change committed later than that is only repaired
// by a full resync. SQLite serializes writers and uses no window by default.
func (s *Store) Subscribe(ctx context.Context, collections []string, position string) (primary.Subscription, error) {
	var after int64
	if position == "" {
		seq, err := s.LastSeq(ctx)
		if err != nil {
			return nil, err
		}
		after = seq
	} else {
		seq, err := strconv.ParseInt(position, 10, 64)
		if err != nil {
			return nil, resilience.Wrap(resilience.Validation, "subscribe", err)
		}
		after = seq
	}
	stream := primary.NewStream(s.pollBatch, nil)
	go s.poll(ctx, stream, newLogCursor(collections, after, s.lateCommitWindow))
	return stream, nil
}

func (s *Store) poll(ctx context.Context, stream *primary.Stream, cursor *logCursor) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		rows, full, err := s.next(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				stream.Finish(nil)
				return
			}
			stream.Finish(err)
			return
		}
		for _, row := range rows {
			if !stream.Emit(ctx, row.change()) {
				stream.Finish(nil)
				return
			}
		}
		if full {
			continue
		}
		select {
		case <-ticker.C:
		case <-stream.Done():
			stream.Finish(nil)
			return
		case <-ctx.Done():
			stream.Finish(nil)
			return
		}
	}
}

// next reads late rows filling known gaps, then the page after the cursor.
// full reports whether the page hit the poll batch limit.
func (s *Store) next(ctx context.Context, cursor *logCursor) ([]*logRow, bool, error) {
	var result []*logRow
	if gaps := cursor.pending(); len(gaps) > 0 {
		late, err := s.readSeqs(ctx, gaps)
		if err != nil {
			return nil, false, err
		}
		for _, row := range late {
			if cursor.fill(row.seq) && cursor.watches(row.collection) {
				result = append(result, row)
			}
		}
	}
	rows, err := s.readLog(ctx, cursor.after)
	if err != nil {
		return nil, false, err
	}
	for _, row := range rows {
		cursor.advance(row.seq)
		if cursor.watches(row.collection) {
			result = append(result, row)
		}
	}
	return result, len(rows) == s.pollBatch, nil
}

// readLog loads a page fully before emitting so the connection is released
// while consumers read back from the store. Every collection is read so that
// seq gaps are real gaps; unwatched rows are dropped by the cursor.
func (s *Store) readLog(ctx context.Context, after int64) ([]*logRow, error) {
	query := `SELECT seq, collection, document_id, op, payload FROM ` + s.logTable + ` WHERE seq > ? ORDER BY seq LIMIT ?`
	return s.queryLog(ctx, query, after, s.pollBatch)
}

func (s *Store) readSeqs(ctx context.Context, seqs []int64) ([]*logRow, error) {
	query := `SELECT seq, collection, document_id, op, payload FROM ` + s.logTable +
		` WHERE seq IN (` + strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",") + `) ORDER BY seq`
	args := make([]interface{}, len(seqs))
	for i, seq := range seqs {
		args[i] = seq
	}
	return s.queryLog(ctx, query, args...)
}

func (s *Store) queryLog(ctx context.Context, query string, args ...interface{}) ([]*logRow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, classify("poll", err)
	}
	defer rows.Close()
	var result []*logRow
	for rows.Next() {
		row := &logRow{}
		if err := rows.Scan(&row.seq, &row.collection, &row.documentID, &row.op, &row.payload); err != nil {
			return nil, classify("poll", err)
		}
		result = append(result, row)
	}
	return result, classify("poll", rows.Err())
}

// logCursor is the read position of one subscription plus the seqs skipped
// within window behind it.
type logCursor struct {
	collections map[string]bool
	after       int64
	window      int64
	gaps        map[int64]bool
}

func newLogCursor(collections []string, after, window int64) *logCursor {
	ret := &logCursor{after: after, window: window, gaps: map[int64]bool{}}
	if len(collections) > 0 {
		ret.collections = make(map[string]bool, len(collections))
		for _, c := range collections {
			ret.collections[c] = true
		}
	}
	return ret
}

func (c *logCursor) watches(collection string) bool {
	return c.collections == nil || c.collections[collection]
}

// advance moves the cursor to seq, recording skipped seqs inside the window.
func (c *logCursor) advance(seq int64) {
	if seq <= c.after {
		return
	}
	if c.window > 0 {
		from := c.after + 1
		if low := seq - c.window; from < low {
			from = low
		}
		for gap := from; gap < seq; gap++ {
			c.gaps[gap] = true
		}
		for gap := range c.gaps {
			if gap < seq-c.window {
				delete(c.gaps, gap)
			}
		}
	}
	c.after = seq
}

// fill reports whether seq was a pending gap and clears it.
func (c *logCursor) fill(seq int64) bool {
	if !c.gaps[seq] {
		return false
	}
	delete(c.gaps, seq)
	return true
}

func (c *logCursor) pending() []int64 {
	if len(c.gaps) == 0 {
		return nil
	}
	ret := make([]int64, 0, len(c.gaps))
	for gap := range c.gaps {
		ret = append(ret, gap)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

func (r *logRow) change() event.RawChange {
	change := event.RawChange{
		Operation:   r.op,
		Namespace:   r.collection,
		DocumentKey: r.documentID,
		Position:    strconv.FormatInt(r.seq, 10),
		Time:        time.Now(),
	}
	if r.payload.Valid && r.payload.String != "" {
		doc := map[string]interface{}{}
		if err := json.Unmarshal([]byte(r.payload.String), &doc); err == nil {
			change.FullDocument = doc
		}
	}
	return change
}
