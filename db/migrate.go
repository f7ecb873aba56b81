package db

import (
	"time"

	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"
	"gopkg.in/gormigrate.v1"
)

// timestampRecordV1 is the first version of the timestamp_records table; it's
// kept separate from record.TimestampRecord so later model changes don't
// rewrite this migration
type timestampRecordV1 struct {
	ID        uint      `gorm:"primary_key"`
	Timestamp time.Time `gorm:"not null"`
}

func (timestampRecordV1) TableName() string {
	return "timestamp_records"
}

func gormMigrations() []*gormigrate.Migration {
	var migrations []*gormigrate.Migration
	migrations = append(migrations, &gormigrate.Migration{
		ID: "202010141200",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&timestampRecordV1{}).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.DropTableIfExists("timestamp_records").Error
		},
	})

	return migrations
}

// migrateGormDB applies migrations to the given gorm database
func migrateGormDB(gdb *gorm.DB) error {
	m := gormigrate.New(gdb, gormigrate.DefaultOptions, gormMigrations())
	return errors.Wrap(m.Migrate(), "failed to migrate gorm DB")
}

// rollbackGormDB undoes the most recently applied gorm migration
func rollbackGormDB(gdb *gorm.DB) error {
	m := gormigrate.New(gdb, gormigrate.DefaultOptions, gormMigrations())
	return errors.Wrap(m.RollbackLast(), "failed to roll back gorm DB")
}
