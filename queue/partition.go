package queue

import "github.com/viant/embedsync/event"

// Group is the slice of a batch sharing one collection and change type.
type Group struct {
	Key    event.GroupKey
	Events []*event.SyncEvent
}

// DocumentIDs returns the group's document ids in arrival order.
func (g *Group) DocumentIDs() []string {
	ret := make([]string, len(g.Events))
	for i, ev := range g.Events {
		ret[i] = ev.DocumentID()
	}
	return ret
}

// Partition groups batch by (collection, change type). Groups follow the order
// of their first event and keep arrival order inside.
func Partition(batch []*event.SyncEvent) []Group {
	index := map[event.GroupKey]int{}
	var groups []Group
	for _, ev := range batch {
		key := ev.Key()
		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, Group{Key: key})
		}
		groups[pos].Events = append(groups[pos].Events, ev)
	}
	return groups
}

type documentKey struct {
	collection string
	id         string
}

// Coalesce keeps the last event of every (collection, document id) in batch,
// at the position of that last event, and returns the events it superseded.
// Partitioning a coalesced batch cannot reorder changes to one document.
func Coalesce(batch []*event.SyncEvent) (latest, superseded []*event.SyncEvent) {
	last := make(map[documentKey]int, len(batch))
	for i, ev := range batch {
		last[documentKey{collection: ev.Collection(), id: ev.DocumentID()}] = i
	}
	if len(last) == len(batch) {
		return batch, nil
	}
	latest = make([]*event.SyncEvent, 0, len(last))
	for i, ev := range batch {
		if last[documentKey{collection: ev.Collection(), id: ev.DocumentID()}] == i {
			latest = append(latest, ev)
			continue
		}
		superseded = append(superseded, ev)
	}
	return latest, superseded
}
