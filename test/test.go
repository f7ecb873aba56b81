package test

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"recstore/config"
	"recstore/db"
	"recstore/record"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

// Backends lists every DB backend; integration tests run against each of them
var Backends = []string{
	config.BackendSQL,
	config.BackendGorm,
	config.BackendFile,
}

func tmpDB(t *testing.T, backend string) string {
	name := "db.sqlite3"
	if backend == config.BackendFile {
		name = "db.json"
	}

	return filepath.Join(t.TempDir(), name)
}

// InitDB creates and migrates an empty database for the given backend; it is
// closed when the test finishes
func InitDB(t *testing.T, backend string) (*config.DBConfig, db.DB) {
	t.Helper()

	path := tmpDB(t, backend)
	log.Info().Str("backend", backend).Msgf("Initializing test DB: %s", path)

	dbCfg := &config.DBConfig{
		Backend: backend,
		DSN:     fmt.Sprintf("file:%s", path),
	}
	adb, err := db.New(dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adb.Close() })

	err = adb.Migrate(context.Background())
	require.NoError(t, err)

	return dbCfg, adb
}

// Reopen opens a second handle to the database described by the given config
func Reopen(t *testing.T, dbCfg *config.DBConfig) db.DB {
	t.Helper()

	adb, err := db.New(dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adb.Close() })

	return adb
}

// MockTime returns a random time within a few years of now, in a random fixed
// zone, truncated to microseconds
func MockTime() time.Time {
	offset := time.Duration(rand.Int63n(int64(5*365*24*time.Hour))) - 2*365*24*time.Hour
	zone := time.FixedZone("", (rand.Intn(25)-12)*60*60)
	return time.Now().Add(offset).In(zone).Truncate(time.Microsecond)
}

func MockRecord() *record.TimestampRecord {
	return record.New(MockTime())
}

func MockRecords(n int) []*record.TimestampRecord {
	records := make([]*record.TimestampRecord, n)
	for i := range records {
		records[i] = MockRecord()
	}

	return records
}

// AssertSameInstant fails the test unless the two times are the same instant
func AssertSameInstant(t *testing.T, expected, actual time.Time) {
	t.Helper()
	require.Truef(t, expected.Equal(actual), "expected %s, got %s", expected, actual)
}
