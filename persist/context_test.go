package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"recstore/db"
	"recstore/mock_db"
	"recstore/record"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockError() error {
	return errors.New("mock error")
}

func mockRecord(id uint) *record.TimestampRecord {
	r := record.New(time.Date(2020, time.October, 14, 12, 0, int(id), 0, time.UTC))
	r.ID = id
	return r
}

func newMockContext(t *testing.T) (*Context, *mock_db.MockDB) {
	ctrl := gomock.NewController(t)
	adb := mock_db.NewMockDB(ctrl)
	return New(adb, WithRegisterer(prometheus.NewRegistry())), adb
}

func TestSaveWithoutChangesDoesNotUseStore(t *testing.T) {
	c, adb := newMockContext(t)
	adb.EXPECT().Records(gomock.Any()).Return([]*record.TimestampRecord{mockRecord(1)}, nil)

	_, err := c.FetchAll(context.Background())
	require.NoError(t, err)

	assert.False(t, c.HasChanges())
	assert.NoError(t, c.Save(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.metrics.saves.WithLabelValues("ok")))
}

func TestSaveCommitsPendingChanges(t *testing.T) {
	c, adb := newMockContext(t)

	stored := []*record.TimestampRecord{mockRecord(1), mockRecord(2), mockRecord(3)}
	adb.EXPECT().Records(gomock.Any()).Return(stored, nil)

	_, err := c.FetchAll(context.Background())
	require.NoError(t, err)

	inserted := record.New(time.Now())
	require.NoError(t, c.Insert(inserted))
	require.NoError(t, c.Delete(stored[2]))
	stored[0].Timestamp = stored[0].Timestamp.Add(time.Hour)

	assert.Equal(t, Changes{Inserted: 1, Updated: 1, Deleted: 1}, c.Pending())

	adb.EXPECT().Commit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, changes *db.Changeset) error {
			assert.Equal(t, []*record.TimestampRecord{inserted}, changes.Inserted)
			assert.Equal(t, []*record.TimestampRecord{stored[0]}, changes.Updated)
			assert.Equal(t, []*record.TimestampRecord{stored[2]}, changes.Deleted)

			inserted.ID = 4
			return nil
		})

	err = c.Save(context.Background())
	require.NoError(t, err)

	assert.False(t, c.HasChanges())
	assert.Equal(t, StatePersisted, c.State(inserted))
	assert.Equal(t, StatePersisted, c.State(stored[0]))
	assert.Equal(t, StateTransient, c.State(stored[2]))
	assert.Zero(t, stored[2].ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.saves.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.flushed.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.flushed.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.flushed.WithLabelValues("delete")))
}

func TestSaveLeavesContextUnchangedWhenCommitFails(t *testing.T) {
	c, adb := newMockContext(t)

	stored := []*record.TimestampRecord{mockRecord(1), mockRecord(2)}
	adb.EXPECT().Records(gomock.Any()).Return(stored, nil)

	_, err := c.FetchAll(context.Background())
	require.NoError(t, err)

	inserted := record.New(time.Now())
	require.NoError(t, c.Insert(inserted))
	require.NoError(t, c.Delete(stored[1]))
	stored[0].Timestamp = stored[0].Timestamp.Add(time.Minute)

	mockErr := mockError()
	adb.EXPECT().Commit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, changes *db.Changeset) error {
			changes.Inserted[0].ID = 42
			return mockErr
		})

	err = c.Save(context.Background())
	assert.EqualError(t, err, fmt.Sprintf("failed to save context: %v", mockErr))

	assert.Zero(t, inserted.ID)
	assert.Equal(t, uint(2), stored[1].ID)
	assert.Equal(t, Changes{Inserted: 1, Updated: 1, Deleted: 1}, c.Pending())
	assert.Equal(t, StatePersisted, c.State(inserted))
	assert.Equal(t, StateDeleted, c.State(stored[1]))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.saves.WithLabelValues("error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.metrics.flushed.WithLabelValues("insert")))

	// The same changes are retried by the next save
	adb.EXPECT().Commit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, changes *db.Changeset) error {
			assert.Len(t, changes.Inserted, 1)
			assert.Len(t, changes.Updated, 1)
			assert.Len(t, changes.Deleted, 1)

			changes.Inserted[0].ID = 3
			return nil
		})

	require.NoError(t, c.Save(context.Background()))
	assert.Equal(t, uint(3), inserted.ID)
}

func TestFetchAllReturnsErrorWhenStoreFails(t *testing.T) {
	c, adb := newMockContext(t)

	mockErr := mockError()
	adb.EXPECT().Records(gomock.Any()).Return(nil, mockErr)

	records, err := c.FetchAll(context.Background())
	assert.Nil(t, records)
	assert.EqualError(t, err, fmt.Sprintf("failed to fetch records: %v", mockErr))
}

func TestFetchAllKeepsManagedInstances(t *testing.T) {
	c, adb := newMockContext(t)

	first := mockRecord(1)
	adb.EXPECT().Records(gomock.Any()).Return([]*record.TimestampRecord{first}, nil)

	_, err := c.FetchAll(context.Background())
	require.NoError(t, err)

	modified := first.Timestamp.Add(time.Hour)
	first.Timestamp = modified

	adb.EXPECT().Records(gomock.Any()).Return([]*record.TimestampRecord{mockRecord(1)}, nil)

	records, err := c.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Same(t, first, records[0])
	assert.True(t, modified.Equal(records[0].Timestamp))
	assert.True(t, c.HasChanges())
}

func TestFetchAllRefreshesUnmodifiedRecords(t *testing.T) {
	c, adb := newMockContext(t)

	clean, modified := mockRecord(1), mockRecord(2)
	adb.EXPECT().Records(gomock.Any()).Return([]*record.TimestampRecord{clean, modified}, nil)

	_, err := c.FetchAll(context.Background())
	require.NoError(t, err)

	local := modified.Timestamp.Add(time.Minute)
	modified.Timestamp = local

	newer1, newer2 := mockRecord(1), mockRecord(2)
	newer1.Timestamp = newer1.Timestamp.Add(time.Hour)
	newer2.Timestamp = newer2.Timestamp.Add(time.Hour)
	adb.EXPECT().Records(gomock.Any()).Return([]*record.TimestampRecord{newer1, newer2}, nil)

	records, err := c.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Same(t, clean, records[0])
	assert.True(t, newer1.Timestamp.Equal(clean.Timestamp))

	assert.Same(t, modified, records[1])
	assert.True(t, local.Equal(modified.Timestamp))
	assert.Equal(t, Changes{Updated: 1}, c.Pending())
}

func TestInsertAndDeleteLogRecord(t *testing.T) {
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = original }()

	level := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(level)

	c, _ := newMockContext(t)
	r := mockRecord(0)
	require.NoError(t, c.Insert(r))
	require.NoError(t, c.Delete(r))

	out := buf.String()
	assert.Contains(t, out, "Record inserted")
	assert.Contains(t, out, "Record deleted")
	assert.Contains(t, out, fmt.Sprintf(`"record":%q`, r.String()))
}

func TestFetchEvictsRecordMissingFromStore(t *testing.T) {
	c, adb := newMockContext(t)

	r := mockRecord(7)
	adb.EXPECT().Record(gomock.Any(), uint(7)).Return(r, nil)

	fetched, err := c.Fetch(context.Background(), 7)
	require.NoError(t, err)
	assert.Same(t, r, fetched)

	adb.EXPECT().Record(gomock.Any(), uint(7)).Return(nil, db.ErrRecordNotFound)

	_, err = c.Fetch(context.Background(), 7)
	assert.True(t, errors.Is(err, db.ErrRecordNotFound))
	assert.Equal(t, StateTransient, c.State(r))
	assert.Zero(t, r.ID)
}

func TestFetchReturnsNotFoundForPendingDelete(t *testing.T) {
	c, adb := newMockContext(t)

	adb.EXPECT().Record(gomock.Any(), uint(1)).Return(mockRecord(1), nil).Times(2)

	r, err := c.Fetch(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, c.Delete(r))

	_, err = c.Fetch(context.Background(), 1)
	assert.True(t, errors.Is(err, db.ErrRecordNotFound))
}

func TestTimezoneChangeIsPending(t *testing.T) {
	c, adb := newMockContext(t)

	r := mockRecord(1)
	adb.EXPECT().Records(gomock.Any()).Return([]*record.TimestampRecord{r}, nil)

	_, err := c.FetchAll(context.Background())
	require.NoError(t, err)

	r.Timestamp = r.Timestamp.In(time.FixedZone("JST", 9*60*60))
	assert.Equal(t, Changes{Updated: 1}, c.Pending())

	r.Timestamp = r.Timestamp.UTC()
	assert.False(t, c.HasChanges())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "transient", StateTransient.String())
	assert.Equal(t, "persisted", StatePersisted.String())
	assert.Equal(t, "deleted", StateDeleted.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestContextsShareMetricsOnTheSameRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	ctrl := gomock.NewController(t)

	c1 := New(mock_db.NewMockDB(ctrl), WithRegisterer(reg))
	c2 := New(mock_db.NewMockDB(ctrl), WithRegisterer(reg))

	assert.Same(t, c1.metrics.saves, c2.metrics.saves)
	assert.Same(t, c1.metrics.flushed, c2.metrics.flushed)
}
