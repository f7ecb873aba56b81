package db

import (
	"context"
	"database/sql"
	"recstore/config"
	"recstore/db/migrations"
	"recstore/db/orm/client"
	"recstore/db/orm/query"
	"recstore/db/orm/query/clause"
	"recstore/record"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

type sqlDB struct {
	db     *sql.DB
	client client.Client
}

func newSQLDB(cfg *config.DBConfig) (DB, error) {
	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open DB")
	}

	return &sqlDB{db: db, client: client.New(db)}, nil
}

// gooseUp is a seam for testing migration failures
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// gooseLogger routes goose output through zerolog
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...interface{}) {
	log.Debug().Msgf(format, v...)
}

// Fatalf only logs; goose returns the error to Migrate
func (gooseLogger) Fatalf(format string, v ...interface{}) {
	log.Error().Msgf(format, v...)
}

var gooseOnce sync.Once
var gooseErr error

// setupGoose configures goose's package-level state once per process
func setupGoose() error {
	gooseOnce.Do(func() {
		goose.SetBaseFS(migrations.FS)
		goose.SetLogger(gooseLogger{})
		gooseErr = errors.Wrap(goose.SetDialect("sqlite3"), "failed to set goose DB driver")
	})

	return gooseErr
}

// notFound replaces the ORM's not-found error with ErrRecordNotFound
func notFound(err error) error {
	if errors.Is(err, query.ErrModelNotFound) {
		return errors.WithMessage(ErrRecordNotFound, err.Error())
	}

	return err
}

func (sdb *sqlDB) Ping(ctx context.Context) error {
	return errors.Wrap(sdb.db.PingContext(ctx), "failed to ping DB")
}

func (sdb *sqlDB) Migrate(ctx context.Context) error {
	err := setupGoose()
	if err != nil {
		return err
	}

	err = gooseUp(ctx, sdb.db, ".")
	return errors.Wrap(err, "migrations failed")
}

func (sdb *sqlDB) Records(ctx context.Context) ([]*record.TimestampRecord, error) {
	var records []*record.TimestampRecord
	err := sdb.client.FindAll(ctx, &records, clause.OrderBy("id"))
	return records, errors.Wrap(err, "failed to get records")
}

func (sdb *sqlDB) Record(ctx context.Context, id uint) (*record.TimestampRecord, error) {
	var r record.TimestampRecord
	err := sdb.client.Find(ctx, &r, clause.Where("id = ?", id))
	if err != nil {
		return nil, errors.Wrap(notFound(err), "failed to get record")
	}

	return &r, nil
}

func (sdb *sqlDB) SaveRecord(ctx context.Context, r *record.TimestampRecord) error {
	err := checkTimestamps(r)
	if err != nil {
		return errors.Wrap(err, "failed to save record")
	}

	return errors.Wrap(sdb.client.Save(ctx, r), "failed to save record")
}

func (sdb *sqlDB) DeleteRecords(ctx context.Context, records ...*record.TimestampRecord) error {
	err := sdb.client.DeleteAll(ctx, &records)
	return errors.Wrap(notFound(err), "failed to delete records")
}

func (sdb *sqlDB) Commit(ctx context.Context, changes *Changeset) error {
	if changes.Empty() {
		return nil
	}

	err := checkChangeset(changes)
	if err != nil {
		return errors.Wrap(err, "failed to commit changes")
	}

	err = sdb.client.Transaction(ctx, func(tx client.Client) error {
		for _, r := range changes.Inserted {
			err := tx.Insert(ctx, r)
			if err != nil {
				return errors.Wrap(err, "failed to insert record")
			}
		}

		for _, r := range changes.Updated {
			err := tx.Update(ctx, r)
			if err != nil {
				return errors.Wrapf(err, "failed to update record %d", r.ID)
			}
		}

		deleted := changes.Deleted
		return errors.Wrap(tx.DeleteAll(ctx, &deleted), "failed to delete records")
	})

	return errors.Wrap(notFound(err), "failed to commit changes")
}

func (sdb *sqlDB) Close() error {
	return errors.Wrap(sdb.db.Close(), "failed to close DB")
}
