package db

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"recstore/config"
	"recstore/fs"
	"recstore/record"
	"sync"
	"testing"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockError() error {
	return errors.New("mock error")
}

func TestChangesetEmpty(t *testing.T) {
	var nilChanges *Changeset
	assert.True(t, nilChanges.Empty())
	assert.True(t, (&Changeset{}).Empty())
	assert.False(t, (&Changeset{Deleted: []*record.TimestampRecord{{}}}).Empty())
}

func TestSortByID(t *testing.T) {
	records := []*record.TimestampRecord{{ID: 3}, {ID: 1}, {ID: 2}}
	SortByID(records)

	for idx, r := range records {
		assert.Equal(t, uint(idx+1), r.ID)
	}
}

func TestMigrateReturnsErrorWhenGooseFails(t *testing.T) {
	mockErr := mockError()

	original := gooseUp
	gooseUp = func(context.Context, *sql.DB, string) error {
		return mockErr
	}
	defer func() { gooseUp = original }()

	adb, err := newSQLDB(&config.DBConfig{
		DSN: fmt.Sprintf("file:%s", filepath.Join(t.TempDir(), "db.sqlite3")),
	})
	require.NoError(t, err)
	defer adb.Close()

	err = adb.Migrate(context.Background())
	assert.EqualError(t, err, fmt.Sprintf("migrations failed: %v", mockErr))
}

func TestGooseLoggerFatalfLogsError(t *testing.T) {
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = original }()

	gooseLogger{}.Fatalf("failed to run migration %d", 1)

	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "failed to run migration 1")
}

func TestConcurrentMigrations(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for idx := range errs {
		adb, err := newSQLDB(&config.DBConfig{
			DSN: fmt.Sprintf("file:%s", filepath.Join(dir, fmt.Sprintf("db%d.sqlite3", idx))),
		})
		require.NoError(t, err)
		defer adb.Close()

		wg.Add(1)
		go func(idx int, adb DB) {
			defer wg.Done()
			errs[idx] = adb.Migrate(ctx)
		}(idx, adb)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestSaveRecordRejectsOutOfRangeTimestamp(t *testing.T) {
	adb, err := newFileDB(&config.DBConfig{DSN: filepath.Join(t.TempDir(), "db.json")}, fs.FromOSFS())
	require.NoError(t, err)

	r := record.New(time.Date(12000, time.May, 1, 0, 0, 0, 0, time.UTC))
	err = adb.SaveRecord(context.Background(), r)
	assert.True(t, errors.Is(err, ErrTimestampOutOfRange))
	assert.Zero(t, r.ID)
}

func TestRollbackGormDBDropsRecordsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite3")
	gdb, err := gorm.Open("sqlite3", fmt.Sprintf("file:%s", path))
	require.NoError(t, err)
	defer gdb.Close()

	require.NoError(t, migrateGormDB(gdb))
	assert.True(t, gdb.HasTable("timestamp_records"))

	require.NoError(t, rollbackGormDB(gdb))
	assert.False(t, gdb.HasTable("timestamp_records"))

	require.NoError(t, migrateGormDB(gdb))
	assert.True(t, gdb.HasTable("timestamp_records"))
}

func TestNewFileDBRequiresPath(t *testing.T) {
	_, err := newFileDB(&config.DBConfig{DSN: "file:"}, fs.FromOSFS())
	assert.Error(t, err)
}

// failingFS fails renames, leaving every other call to the OS
type failingFS struct {
	fs.FS
	err error
}

func (ffs *failingFS) Rename(string, string) error {
	return ffs.err
}

func TestFileDBKeepsDocumentWhenReplaceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	cfg := &config.DBConfig{DSN: fmt.Sprintf("file:%s", path)}
	ctx := context.Background()

	good, err := newFileDB(cfg, fs.FromOSFS())
	require.NoError(t, err)
	require.NoError(t, good.Migrate(ctx))

	r := record.New(time.Now())
	require.NoError(t, good.SaveRecord(ctx, r))

	mockErr := mockError()
	bad, err := newFileDB(cfg, &failingFS{FS: fs.FromOSFS(), err: mockErr})
	require.NoError(t, err)

	err = bad.SaveRecord(ctx, record.New(time.Now()))
	assert.True(t, errors.Is(err, mockErr))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	records, err := good.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, r.ID, records[0].ID)
}

func TestFileDBRejectsDuplicateDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	adb, err := newFileDB(&config.DBConfig{DSN: path}, fs.FromOSFS())
	require.NoError(t, err)

	ctx := context.Background()
	r := record.New(time.Now())
	require.NoError(t, adb.SaveRecord(ctx, r))

	err = adb.DeleteRecords(ctx, r, r)
	assert.True(t, errors.Is(err, ErrRecordNotFound))

	records, err := adb.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
