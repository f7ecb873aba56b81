package db

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"recstore/config"
	"recstore/fs"
	"recstore/record"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// document is the on-disk layout of the file backend
type document struct {
	NextID  uint                      `json:"next_id"`
	Records []*record.TimestampRecord `json:"records"`
}

func (d *document) index(id uint) int {
	for idx, r := range d.Records {
		if r.ID == id {
			return idx
		}
	}

	return -1
}

func (d *document) insert(r *record.TimestampRecord) {
	r.ID = d.NextID
	d.NextID++
	d.Records = append(d.Records, &record.TimestampRecord{ID: r.ID, Timestamp: r.Timestamp})
}

// fileDB keeps every record in a single JSON document which is rewritten on
// each change
type fileDB struct {
	mu   sync.Mutex
	path string
	fs   fs.FS
}

func newFileDB(cfg *config.DBConfig, fsys fs.FS) (DB, error) {
	path := strings.TrimPrefix(cfg.DSN, "file:")
	if path == "" {
		return nil, errors.New("file backend requires a path")
	}

	return &fileDB{path: path, fs: fsys}, nil
}

func (fdb *fileDB) load() (*document, error) {
	doc := &document{NextID: 1}

	data, err := fdb.fs.ReadFile(fdb.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read records file")
	}

	err = json.Unmarshal(data, doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal records file")
	}

	if doc.NextID == 0 {
		doc.NextID = 1
	}

	return doc, nil
}

// store replaces the records file by writing a temporary file and renaming
// it over the original
func (fdb *fileDB) store(doc *document) error {
	SortByID(doc.Records)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal records")
	}

	tmpPath := fdb.path + ".tmp"
	err = fdb.fs.WriteFile(tmpPath, data, 0600)
	if err != nil {
		return errors.Wrap(err, "failed to write records file")
	}

	err = fdb.fs.Rename(tmpPath, fdb.path)
	if err != nil {
		_ = fdb.fs.Remove(tmpPath)
		return errors.Wrap(err, "failed to replace records file")
	}

	return nil
}

func (fdb *fileDB) Ping(ctx context.Context) error {
	err := ctx.Err()
	if err != nil {
		return errors.Wrap(err, "failed to ping DB")
	}

	_, err = fdb.fs.Stat(filepath.Dir(fdb.path))
	return errors.Wrap(err, "failed to ping DB")
}

func (fdb *fileDB) Migrate(ctx context.Context) error {
	err := ctx.Err()
	if err != nil {
		return errors.Wrap(err, "migrations failed")
	}

	fdb.mu.Lock()
	defer fdb.mu.Unlock()

	_, err = fdb.fs.Stat(fdb.path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to stat records file")
	}

	err = fdb.fs.MkdirAll(filepath.Dir(fdb.path), 0700)
	if err != nil {
		return errors.Wrap(err, "failed to create records directory")
	}

	return errors.Wrap(fdb.store(&document{NextID: 1}), "migrations failed")
}

func (fdb *fileDB) Records(ctx context.Context) ([]*record.TimestampRecord, error) {
	err := ctx.Err()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get records")
	}

	fdb.mu.Lock()
	defer fdb.mu.Unlock()

	doc, err := fdb.load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get records")
	}

	records := append([]*record.TimestampRecord{}, doc.Records...)
	SortByID(records)

	return records, nil
}

func (fdb *fileDB) Record(ctx context.Context, id uint) (*record.TimestampRecord, error) {
	err := ctx.Err()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get record")
	}

	fdb.mu.Lock()
	defer fdb.mu.Unlock()

	doc, err := fdb.load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get record")
	}

	idx := doc.index(id)
	if idx < 0 {
		return nil, errors.Wrapf(ErrRecordNotFound, "record %d", id)
	}

	return doc.Records[idx], nil
}

func (fdb *fileDB) SaveRecord(ctx context.Context, r *record.TimestampRecord) error {
	err := ctx.Err()
	if err != nil {
		return errors.Wrap(err, "failed to save record")
	}

	err = checkTimestamps(r)
	if err != nil {
		return errors.Wrap(err, "failed to save record")
	}

	fdb.mu.Lock()
	defer fdb.mu.Unlock()

	doc, err := fdb.load()
	if err != nil {
		return errors.Wrap(err, "failed to save record")
	}

	idx := -1
	if r.ID != 0 {
		idx = doc.index(r.ID)
	}

	if idx < 0 {
		doc.insert(r)
	} else {
		doc.Records[idx].Timestamp = r.Timestamp
	}

	return errors.Wrap(fdb.store(doc), "failed to save record")
}

func (fdb *fileDB) DeleteRecords(ctx context.Context, records ...*record.TimestampRecord) error {
	return errors.Wrap(
		fdb.Commit(ctx, &Changeset{Deleted: records}),
		"failed to delete records")
}

func (fdb *fileDB) Commit(ctx context.Context, changes *Changeset) error {
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

	fdb.mu.Lock()
	defer fdb.mu.Unlock()

	doc, err := fdb.load()
	if err != nil {
		return errors.Wrap(err, "failed to commit changes")
	}

	// Every update and delete is checked before anything is applied, so the
	// document is only stored if the whole changeset is valid
	for _, r := range changes.Updated {
		idx := doc.index(r.ID)
		if r.ID == 0 || idx < 0 {
			return errors.Wrapf(ErrRecordNotFound, "failed to update record %d", r.ID)
		}

		doc.Records[idx].Timestamp = r.Timestamp
	}

	deleted := make(map[uint]bool, len(changes.Deleted))
	for _, r := range changes.Deleted {
		if r.ID == 0 || doc.index(r.ID) < 0 || deleted[r.ID] {
			return errors.Wrapf(ErrRecordNotFound, "failed to delete record %d", r.ID)
		}

		deleted[r.ID] = true
	}

	kept := doc.Records[:0]
	for _, r := range doc.Records {
		if !deleted[r.ID] {
			kept = append(kept, r)
		}
	}
	doc.Records = kept

	for _, r := range changes.Inserted {
		doc.insert(r)
	}

	return errors.Wrap(fdb.store(doc), "failed to commit changes")
}

func (fdb *fileDB) Close() error {
	return nil
}
