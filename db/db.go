package db

import (
	"context"
	"recstore/config"
	"recstore/fs"
	"recstore/record"
	"sort"

	"github.com/pkg/errors"
)

var ErrRecordNotFound = errors.New("record not found")
var ErrUnknownBackend = errors.New("unknown DB backend")
var ErrTimestampOutOfRange = errors.New("timestamp year outside of range [0,9999]")

//go:generate mockgen -destination=../mock_db/mock_db.go -package=mock_db recstore/db DB

// DB contains the methods needed to store and read records from the underlying
// database
type DB interface {
	Ping(context.Context) error
	Migrate(context.Context) error
	Records(context.Context) ([]*record.TimestampRecord, error)
	Record(context.Context, uint) (*record.TimestampRecord, error)
	SaveRecord(context.Context, *record.TimestampRecord) error
	DeleteRecords(context.Context, ...*record.TimestampRecord) error
	Commit(context.Context, *Changeset) error
	Close() error
}

// Changeset lists the records to be inserted, updated and deleted by a single
// Commit. Either all of them are applied or none are.
type Changeset struct {
	Inserted []*record.TimestampRecord
	Updated  []*record.TimestampRecord
	Deleted  []*record.TimestampRecord
}

// Empty reports whether the changeset contains no changes
func (c *Changeset) Empty() bool {
	return c == nil || len(c.Inserted)+len(c.Updated)+len(c.Deleted) == 0
}

// checkTimestamps rejects timestamps which the backends can't store and read
// back: both the sqlite datetime text and RFC 3339 use four-digit years
func checkTimestamps(records ...*record.TimestampRecord) error {
	for _, r := range records {
		year := r.Timestamp.Year()
		if year < 0 || year > 9999 {
			return errors.Wrapf(ErrTimestampOutOfRange, "record %d has year %d", r.ID, year)
		}
	}

	return nil
}

// checkChangeset rejects a changeset with an unstorable timestamp before any
// of it is applied
func checkChangeset(changes *Changeset) error {
	err := checkTimestamps(changes.Inserted...)
	if err != nil {
		return err
	}

	return checkTimestamps(changes.Updated...)
}

// SortByID sorts records in ascending ID order
func SortByID(records []*record.TimestampRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
}

// New creates a struct which supports the operations in the DB interface,
// using the backend named in the given config
func New(cfg *config.DBConfig) (DB, error) {
	switch cfg.Backend {
	case "", config.BackendSQL:
		return newSQLDB(cfg)
	case config.BackendGorm:
		return newGormDB(cfg)
	case config.BackendFile:
		return newFileDB(cfg, fs.FromOSFS())
	}

	return nil, errors.Wrapf(ErrUnknownBackend, "backend %q", cfg.Backend)
}
