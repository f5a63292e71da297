package graph

import (
	"time"

	"dagnet/models"
)

// orphan is an event parked until its missing parents arrive or its
// deadline passes.
type orphan struct {
	ev       *models.Event
	from     string
	missing  map[string]struct{}
	deadline time.Time
}

// orphanBuffer indexes pending events by id and by the parent ids they
// still wait on.
type orphanBuffer struct {
	byID    map[string]*orphan
	waiting map[string][]string // parent id -> orphan ids
}

func newOrphanBuffer() *orphanBuffer {
	return &orphanBuffer{
		byID:    make(map[string]*orphan),
		waiting: make(map[string][]string),
	}
}

func (b *orphanBuffer) has(id string) bool {
	_, ok := b.byID[id]
	return ok
}

func (b *orphanBuffer) add(ev *models.Event, from string, missing []string, deadline time.Time) {
	o := &orphan{
		ev:       ev,
		from:     from,
		missing:  make(map[string]struct{}, len(missing)),
		deadline: deadline,
	}
	for _, p := range missing {
		o.missing[p] = struct{}{}
		b.waiting[p] = append(b.waiting[p], ev.ID)
	}
	b.byID[ev.ID] = o
}

// resolve clears parentID from every waiting orphan and returns the ones
// with no missing parents left, removed from the buffer.
func (b *orphanBuffer) resolve(parentID string) []*orphan {
	ids := b.waiting[parentID]
	delete(b.waiting, parentID)

	var ready []*orphan
	for _, id := range ids {
		o, ok := b.byID[id]
		if !ok {
			continue
		}
		delete(o.missing, parentID)
		if len(o.missing) == 0 {
			delete(b.byID, id)
			ready = append(ready, o)
		}
	}
	return ready
}

// expire removes and returns every orphan past its deadline.
func (b *orphanBuffer) expire(now time.Time) []*orphan {
	var expired []*orphan
	for id, o := range b.byID {
		if o.deadline.After(now) {
			continue
		}
		delete(b.byID, id)
		for p := range o.missing {
			ids := b.waiting[p]
			for i, oid := range ids {
				if oid == id {
					b.waiting[p] = append(ids[:i], ids[i+1:]...)
					break
				}
			}
			if len(b.waiting[p]) == 0 {
				delete(b.waiting, p)
			}
		}
		expired = append(expired, o)
	}
	return expired
}

func (b *orphanBuffer) len() int {
	return len(b.byID)
}
