package db

import (
	"context"
	"fmt"
	"recstore/config"
	"recstore/record"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type gormDB struct {
	db *gorm.DB
}

// gormLogger routes gorm's SQL log through zerolog
type gormLogger struct{}

func (gormLogger) Print(v ...interface{}) {
	log.Debug().Str("source", "gorm").Msg(fmt.Sprint(v...))
}

func newGormDB(cfg *config.DBConfig) (DB, error) {
	gdb, err := gorm.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open gorm DB")
	}

	gdb.SetLogger(gormLogger{})
	gdb.LogMode(zerolog.GlobalLevel() <= zerolog.DebugLevel)

	return &gormDB{db: gdb}, nil
}

func (gdb *gormDB) Ping(ctx context.Context) error {
	return errors.Wrap(gdb.db.DB().PingContext(ctx), "failed to ping DB")
}

func (gdb *gormDB) Migrate(ctx context.Context) error {
	err := ctx.Err()
	if err != nil {
		return errors.Wrap(err, "migrations failed")
	}

	return migrateGormDB(gdb.db)
}

func (gdb *gormDB) Records(ctx context.Context) ([]*record.TimestampRecord, error) {
	records := []*record.TimestampRecord{}

	err := ctx.Err()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get records")
	}

	err = gdb.db.Order("id").Find(&records).Error
	return records, errors.Wrap(err, "failed to get records")
}

func (gdb *gormDB) Record(ctx context.Context, id uint) (*record.TimestampRecord, error) {
	err := ctx.Err()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get record")
	}

	var r record.TimestampRecord
	err = gdb.db.First(&r, id).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, errors.Wrapf(ErrRecordNotFound, "record %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get record")
	}

	return &r, nil
}

func (gdb *gormDB) SaveRecord(ctx context.Context, r *record.TimestampRecord) error {
	err := ctx.Err()
	if err != nil {
		return errors.Wrap(err, "failed to save record")
	}

	err = checkTimestamps(r)
	if err != nil {
		return errors.Wrap(err, "failed to save record")
	}

	return errors.Wrap(gdb.db.Save(r).Error, "failed to save record")
}

// updateRecord updates the timestamp of an existing record
func updateRecord(tx *gorm.DB, r *record.TimestampRecord) error {
	if r.ID == 0 {
		return errors.Wrap(ErrRecordNotFound, "record has no ID")
	}

	res := tx.Model(r).UpdateColumn("timestamp", r.Timestamp)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to update record %d", r.ID)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrRecordNotFound, "record %d", r.ID)
	}

	return nil
}

// deleteRecord deletes an existing record; a zero ID is rejected since gorm
// would otherwise delete every row
func deleteRecord(tx *gorm.DB, r *record.TimestampRecord) error {
	if r.ID == 0 {
		return errors.Wrap(ErrRecordNotFound, "record has no ID")
	}

	res := tx.Delete(r)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to delete record %d", r.ID)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrRecordNotFound, "record %d", r.ID)
	}

	return nil
}

// transaction runs fn inside a gorm transaction, committing if fn returns nil
func (gdb *gormDB) transaction(fn func(tx *gorm.DB) error) error {
	tx := gdb.db.Begin()
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "failed to create DB transaction")
	}

	err := fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}

	return errors.Wrap(tx.Commit().Error, "failed to commit DB transaction")
}

func (gdb *gormDB) DeleteRecords(ctx context.Context, records ...*record.TimestampRecord) error {
	err := ctx.Err()
	if err != nil {
		return errors.Wrap(err, "failed to delete records")
	}

	err = gdb.transaction(func(tx *gorm.DB) error {
		for _, r := range records {
			err := deleteRecord(tx, r)
			if err != nil {
				return err
			}
		}

		return nil
	})

	return errors.Wrap(err, "failed to delete records")
}

func (gdb *gormDB) Commit(ctx context.Context, changes *Changeset) error {
	if changes.Empty() {
		return nil
	}

	err := ctx.Err()
	if err != nil {
		return errors.Wrap(err, "failed to commit changes")
	}

	err = checkChangeset(changes)
	if err != nil {
		return errors.Wrap(err, "failed to commit changes")
	}

	err = gdb.transaction(func(tx *gorm.DB) error {
		for _, r := range changes.Inserted {
			r.ID = 0
			err := tx.Create(r).Error
			if err != nil {
				return errors.Wrap(err, "failed to insert record")
			}
		}

		for _, r := range changes.Updated {
			err := updateRecord(tx, r)
			if err != nil {
				return err
			}
		}

		for _, r := range changes.Deleted {
			err := deleteRecord(tx, r)
			if err != nil {
				return err
			}
		}

		return nil
	})

	return errors.Wrap(err, "failed to commit changes")
}

func (gdb *gormDB) Close() error {
	return errors.Wrap(gdb.db.Close(), "failed to close DB")
}
