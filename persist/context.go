package persist

import (
	"context"
	"recstore/db"
	"recstore/record"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var ErrNilRecord = errors.New("nil record")
var ErrNotManaged = errors.New("record is not managed by this context")
var ErrClosed = errors.New("context is closed")

// State describes a record's relationship to a context
type State int

const (
	// StateTransient records are not owned by the context
	StateTransient State = iota
	// StatePersisted records are part of the context's live collection, either
	// stored or awaiting insertion
	StatePersisted
	// StateDeleted records have been removed from the live collection; the
	// deletion is applied by the next Save
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateTransient:
		return "transient"
	case StatePersisted:
		return "persisted"
	case StateDeleted:
		return "deleted"
	}

	return "unknown"
}

// Changes counts the changes the next Save would flush
type Changes struct {
	Inserted int
	Updated  int
	Deleted  int
}

func (c Changes) Empty() bool {
	return c.Inserted+c.Updated+c.Deleted == 0
}

type entry struct {
	rec *record.TimestampRecord

	// snapshot holds the timestamp as last read from or written to the store
	snapshot time.Time
	inserted bool
	deleted  bool
}

func sameTimestamp(t1, t2 time.Time) bool {
	_, offset1 := t1.Zone()
	_, offset2 := t2.Zone()
	return t1.Equal(t2) && offset1 == offset2
}

func (e *entry) dirty() bool {
	return !e.inserted && !e.deleted && !sameTimestamp(e.rec.Timestamp, e.snapshot)
}

// Context owns the live collection of records read from or inserted into a
// store. Mutations of managed records are tracked and flushed by Save.
type Context struct {
	mu     sync.Mutex
	db     db.DB
	closed bool

	// stored is the identity map of records which exist in the store, by ID
	stored   map[uint]*entry
	managed  map[*record.TimestampRecord]*entry
	inserted []*entry

	metrics *metrics
}

type options struct {
	registerer prometheus.Registerer
}

type Option func(*options)

// WithRegisterer registers the context's metrics with reg instead of the
// default prometheus registerer
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// New creates an empty context on top of the given store; the store stays
// owned by the caller
func New(adb db.DB, opts ...Option) *Context {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	return &Context{
		db:      adb,
		stored:  map[uint]*entry{},
		managed: map[*record.TimestampRecord]*entry{},
		metrics: newMetrics(o.registerer),
	}
}

func (c *Context) check(r *record.TimestampRecord) error {
	if c.closed {
		return ErrClosed
	}
	if r == nil {
		return ErrNilRecord
	}

	return nil
}

// track adds a record read from the store to the identity map. If a managed
// instance with the same ID already exists it is returned instead, refreshed
// from the row unless it has local changes.
func (c *Context) track(r *record.TimestampRecord) *entry {
	e, ok := c.stored[r.ID]
	if ok {
		if !e.deleted && !e.dirty() {
			e.rec.Timestamp = r.Timestamp
			e.snapshot = r.Timestamp
		}
		return e
	}

	e = &entry{rec: r, snapshot: r.Timestamp}
	c.stored[r.ID] = e
	c.managed[r] = e

	return e
}

// evict releases a stored record; it no longer has an identity in this
// context
func (c *Context) evict(e *entry) {
	delete(c.stored, e.rec.ID)
	delete(c.managed, e.rec)
	e.rec.ID = 0
}

func (c *Context) removeInserted(e *entry) {
	for idx, ie := range c.inserted {
		if ie == e {
			c.inserted = append(c.inserted[:idx], c.inserted[idx+1:]...)
			break
		}
	}

	delete(c.managed, e.rec)
}

// Insert adds a record to the live collection; it is written to the store by
// the next Save. Inserting a managed record does nothing, except that a
// pending deletion of it is cancelled.
func (c *Context) Insert(r *record.TimestampRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.check(r)
	if err != nil {
		return err
	}

	e, ok := c.managed[r]
	if ok {
		e.deleted = false
		return nil
	}

	e = &entry{rec: r, inserted: true}
	c.managed[r] = e
	c.inserted = append(c.inserted, e)

	log.Debug().Str("record", r.String()).Msg("Record inserted")
	return nil
}

// Delete removes a record from the live collection. A record which was never
// saved is forgotten immediately; a stored record is deleted by the next Save.
func (c *Context) Delete(r *record.TimestampRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.check(r)
	if err != nil {
		return err
	}

	e, ok := c.managed[r]
	if !ok {
		return errors.Wrapf(ErrNotManaged, "failed to delete %s", r)
	}

	if e.inserted {
		c.removeInserted(e)
	} else {
		e.deleted = true
	}

	log.Debug().Str("record", r.String()).Msg("Record deleted")
	return nil
}

// FetchAll returns the live collection: stored records in ID order, followed
// by pending inserts in the order they were inserted. Managed records without
// local changes pick up the stored timestamp; modified ones keep theirs.
func (c *Context) FetchAll(ctx context.Context) ([]*record.TimestampRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	rows, err := c.db.Records(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch records")
	}

	seen := make(map[uint]bool, len(rows))
	records := make([]*record.TimestampRecord, 0, len(rows)+len(c.inserted))
	for _, row := range rows {
		seen[row.ID] = true

		e := c.track(row)
		if !e.deleted {
			records = append(records, e.rec)
		}
	}

	for id, e := range c.stored {
		if !seen[id] {
			log.Debug().Str("record", e.rec.String()).Msg("Evicting record missing from store")
			c.evict(e)
		}
	}

	for _, e := range c.inserted {
		records = append(records, e.rec)
	}

	return records, nil
}

// Fetch returns the stored record with the given ID
func (c *Context) Fetch(ctx context.Context, id uint) (*record.TimestampRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	row, err := c.db.Record(ctx, id)
	if errors.Is(err, db.ErrRecordNotFound) {
		if e, ok := c.stored[id]; ok {
			c.evict(e)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch record %d", id)
	}

	e := c.track(row)
	if e.deleted {
		return nil, errors.Wrapf(db.ErrRecordNotFound, "record %d is deleted", id)
	}

	return e.rec, nil
}

func (c *Context) pending() Changes {
	var changes Changes
	changes.Inserted = len(c.inserted)
	for _, e := range c.stored {
		switch {
		case e.deleted:
			changes.Deleted++
		case e.dirty():
			changes.Updated++
		}
	}

	return changes
}

// Pending counts the changes the next Save would flush
func (c *Context) Pending() Changes {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pending()
}

// HasChanges reports whether the next Save would write to the store
func (c *Context) HasChanges() bool {
	return !c.Pending().Empty()
}

func (c *Context) changeset() *db.Changeset {
	changes := &db.Changeset{}
	for _, e := range c.inserted {
		changes.Inserted = append(changes.Inserted, e.rec)
	}

	for _, e := range c.stored {
		switch {
		case e.deleted:
			changes.Deleted = append(changes.Deleted, e.rec)
		case e.dirty():
			changes.Updated = append(changes.Updated, e.rec)
		}
	}

	db.SortByID(changes.Updated)
	db.SortByID(changes.Deleted)

	return changes
}

// Save writes every pending change to the store in a single commit. If the
// commit fails the context is left as it was before the call.
func (c *Context) Save(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	changes := c.changeset()
	if changes.Empty() {
		return nil
	}

	counts := Changes{
		Inserted: len(changes.Inserted),
		Updated:  len(changes.Updated),
		Deleted:  len(changes.Deleted),
	}

	ids := make([]uint, len(changes.Inserted))
	for idx, r := range changes.Inserted {
		ids[idx] = r.ID
	}

	err := c.db.Commit(ctx, changes)
	c.metrics.recordSave(err, counts)
	if err != nil {
		// Backends may have assigned IDs before the commit failed
		for idx, r := range changes.Inserted {
			r.ID = ids[idx]
		}

		log.Error().Err(err).
			Int("inserted", counts.Inserted).
			Int("updated", counts.Updated).
			Int("deleted", counts.Deleted).
			Msg("Failed to save context")
		return errors.Wrap(err, "failed to save context")
	}

	for _, e := range c.inserted {
		e.inserted = false
		e.snapshot = e.rec.Timestamp
		c.stored[e.rec.ID] = e
	}
	c.inserted = nil

	for _, r := range changes.Updated {
		e := c.managed[r]
		e.snapshot = r.Timestamp
	}

	for _, r := range changes.Deleted {
		c.evict(c.managed[r])
	}

	log.Debug().
		Int("inserted", counts.Inserted).
		Int("updated", counts.Updated).
		Int("deleted", counts.Deleted).
		Msg("Context saved")
	return nil
}

// Rollback discards every pending change: inserted records are released,
// deleted records are restored and modified timestamps are reset
func (c *Context) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	counts := c.pending()

	for _, e := range c.inserted {
		delete(c.managed, e.rec)
	}
	c.inserted = nil

	for _, e := range c.stored {
		e.deleted = false
		e.rec.Timestamp = e.snapshot
	}

	log.Debug().
		Int("inserted", counts.Inserted).
		Int("updated", counts.Updated).
		Int("deleted", counts.Deleted).
		Msg("Context rolled back")
}

// Close releases every record owned by the context; later calls fail with
// ErrClosed. The store is left open.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.stored = nil
	c.managed = nil
	c.inserted = nil
}

// State reports the given record's relationship to the context
func (c *Context) State(r *record.TimestampRecord) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.managed[r]
	switch {
	case !ok:
		return StateTransient
	case e.deleted:
		return StateDeleted
	}

	return StatePersisted
}
