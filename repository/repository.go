package repository

import (
	"encoding/json"

	"dagnet/db"
	"dagnet/models"
)

// Key prefixes inside the single LevelDB namespace.
const (
	eventPrefix    = "event:"
	prunedPrefix   = "pruned:"
	rejectedPrefix = "rejected:"
)

// It abstracts the storage layer from the graph logic
type EventRepositoryInterface interface {
	PutEvent(ev *models.Event) error
	GetEvent(id string) (*models.Event, error)
	GetAllEvents() ([]*models.Event, error)
	DeleteEvent(id string) error
	MarkPruned(id string) error
	PrunedIDs() ([]string, error)
	MarkRejected(id string) error
	RejectedIDs() ([]string, error)
}

// EventRepository implements the EventRepositoryInterface using LevelDB as the storage backend
type EventRepository struct {
	db *db.LevelDB
}

// NewEventRepository creates and returns a new EventRepository instance
func NewEventRepository(db *db.LevelDB) *EventRepository {
	return &EventRepository{db: db}
}

// PutEvent stores an admitted event
func (r *EventRepository) PutEvent(ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(eventPrefix+ev.ID), data)
}

// GetEvent retrieves an event by its id
func (r *EventRepository) GetEvent(id string) (*models.Event, error) {
	data, err := r.db.Get([]byte(eventPrefix + id))
	if err != nil {
		return nil, err
	}
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetAllEvents retrieves every stored event, for DAG recovery at startup
func (r *EventRepository) GetAllEvents() ([]*models.Event, error) {
	iter := r.db.NewPrefixIterator([]byte(eventPrefix))
	defer iter.Release()

	var events []*models.Event
	for iter.Next() {
		var ev models.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, iter.Error()
}

// DeleteEvent removes an event record, used when its id moves to a tombstone
func (r *EventRepository) DeleteEvent(id string) error {
	return r.db.Delete([]byte(eventPrefix + id))
}

// MarkPruned writes a tombstone so a pruned id is never re-admitted
func (r *EventRepository) MarkPruned(id string) error {
	return r.db.Put([]byte(prunedPrefix+id), []byte{1})
}

// PrunedIDs returns all tombstoned ids
func (r *EventRepository) PrunedIDs() ([]string, error) {
	return r.idsWithPrefix(prunedPrefix)
}

// MarkRejected records an id that failed validation or orphan-timeout
func (r *EventRepository) MarkRejected(id string) error {
	return r.db.Put([]byte(rejectedPrefix+id), []byte{1})
}

// RejectedIDs returns all rejected ids
func (r *EventRepository) RejectedIDs() ([]string, error) {
	return r.idsWithPrefix(rejectedPrefix)
}

func (r *EventRepository) idsWithPrefix(prefix string) ([]string, error) {
	iter := r.db.NewPrefixIterator([]byte(prefix))
	defer iter.Release()

	var ids []string
	for iter.Next() {
		ids = append(ids, string(iter.Key())[len(prefix):])
	}
	return ids, iter.Error()
}
