package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"recstore/config"
	"recstore/db"
	"recstore/record"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backends = []string{config.BackendSQL, config.BackendGorm, config.BackendFile}

func dbArgs(t *testing.T, backend string) []string {
	path := filepath.Join(t.TempDir(), "db")
	return []string{"-db-backend", backend, "-db-dsn", fmt.Sprintf("file:%s", path)}
}

func runCtl(t *testing.T, stdin string, args ...string) (string, error) {
	var stdout bytes.Buffer
	err := run(args, strings.NewReader(stdin), &stdout)
	return stdout.String(), err
}

func parseOutput(t *testing.T, out string) []*record.TimestampRecord {
	records, err := scanRecords(strings.NewReader(out))
	require.NoError(t, err)
	return records
}

func TestCreateAndShowRecords(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			args := dbArgs(t, backend)

			out, err := runCtl(t, "", append(args, "-migrate-db", "-create", "2020-10-14T12:00:00+02:00")...)
			require.NoError(t, err)
			assert.Equal(t, "Migrations succeeded\n", out)

			out, err = runCtl(t, "", append(args, "-create", "now", "-records")...)
			require.NoError(t, err)

			records := parseOutput(t, out)
			require.Len(t, records, 2)
			assert.Equal(t, uint(1), records[0].ID)
			assert.Equal(t, uint(2), records[1].ID)

			expected := time.Date(2020, time.October, 14, 10, 0, 0, 0, time.UTC)
			assert.True(t, expected.Equal(records[0].Timestamp))
		})
	}
}

func TestSetAndDeleteRecords(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			args := dbArgs(t, backend)

			_, err := runCtl(t, "", append(args, "-migrate-db", "-create", "now")...)
			require.NoError(t, err)
			_, err = runCtl(t, "", append(args, "-create", "now")...)
			require.NoError(t, err)

			out, err := runCtl(t, "", append(args, "-set", "1=1999-12-31T23:59:59-05:00", "-record", "1")...)
			require.NoError(t, err)

			records := parseOutput(t, out)
			require.Len(t, records, 1)
			expected := time.Date(2000, time.January, 1, 4, 59, 59, 0, time.UTC)
			assert.True(t, expected.Equal(records[0].Timestamp))

			out, err = runCtl(t, "", append(args, "-delete", "2", "-records")...)
			require.NoError(t, err)

			records = parseOutput(t, out)
			require.Len(t, records, 1)
			assert.Equal(t, uint(1), records[0].ID)

			_, err = runCtl(t, "", append(args, "-record", "2")...)
			assert.True(t, errors.Is(err, db.ErrRecordNotFound))
		})
	}
}

func TestUpsertRecords(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			args := dbArgs(t, backend)

			_, err := runCtl(t, "", append(args, "-migrate-db", "-create", "now")...)
			require.NoError(t, err)

			updated := time.Date(2010, time.March, 3, 3, 3, 3, 0, time.UTC)
			inserted := time.Date(2030, time.June, 6, 6, 6, 6, 0, time.UTC)

			var stdin bytes.Buffer
			for _, r := range []*record.TimestampRecord{
				{ID: 1, Timestamp: updated},
				{ID: 0, Timestamp: inserted},
			} {
				data, err := json.Marshal(r)
				require.NoError(t, err)
				stdin.Write(data)
				stdin.WriteString("\n")
			}

			out, err := runCtl(t, stdin.String(), append(args, "-upsert-records", "-records")...)
			require.NoError(t, err)

			records := parseOutput(t, out)
			require.Len(t, records, 2)
			assert.True(t, updated.Equal(records[0].Timestamp))
			assert.True(t, inserted.Equal(records[1].Timestamp))
		})
	}
}

func TestUpsertRecordsRejectsMalformedInput(t *testing.T) {
	args := dbArgs(t, config.BackendFile)

	_, err := runCtl(t, "not json\n", append(args, "-migrate-db", "-upsert-records")...)
	assert.Error(t, err)
}

func TestPingDB(t *testing.T) {
	out, err := runCtl(t, "", append(dbArgs(t, config.BackendSQL), "-ping-db")...)
	require.NoError(t, err)
	assert.Equal(t, "Ping succeeded\n", out)
}

func TestUnknownBackend(t *testing.T) {
	_, err := runCtl(t, "", "-db-backend", "bogus")
	assert.True(t, errors.Is(err, db.ErrUnknownBackend))
}

func TestParseAssignment(t *testing.T) {
	id, ts, err := parseAssignment("7=2020-10-14T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, uint(7), id)
	assert.True(t, time.Date(2020, time.October, 14, 12, 0, 0, 0, time.UTC).Equal(ts))

	for _, arg := range []string{"", "7", "x=2020-10-14T12:00:00Z", "7=yesterday"} {
		_, _, err := parseAssignment(arg)
		assert.Errorf(t, err, "expected an error for %q", arg)
	}
}

func TestSetLogLevel(t *testing.T) {
	assert.NoError(t, setLogLevel("warn", false))
	assert.NoError(t, setLogLevel("bogus", true))
	assert.Error(t, setLogLevel("bogus", false))
	assert.NoError(t, setLogLevel("info", false))
}
