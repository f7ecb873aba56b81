package test

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

type Model struct {
	ID     uint
	Bool   bool
	String string
}

type IdMissingModel struct {
	Bool   bool
	String string
}

type ManagedFieldsModel struct {
	ID        uint
	Bool      bool
	String    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type SecondaryModel struct {
	ID      uint
	ModelID uint
	String  string
}

// TaggedModel maps its fields through db tags and a custom table name
type TaggedModel struct {
	ID      int64
	Label   string `db:"name"`
	Ignored string `db:"-"`
	hidden  string // nolint: unused
}

func (TaggedModel) TableName() string {
	return "tagged"
}

func InitDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "db.sqlite3")

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	CreateModelsTable(t, db)
	CreateManagedFieldsModelsTable(t, db)
	CreateSecondaryModelsTable(t, db)
	CreateTaggedTable(t, db)

	return db
}

func CreateModelsTable(t *testing.T, db *sql.DB) {
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS \"models\" (\"id\" integer primary key autoincrement,\"bool\" bool,\"string\" varchar(255));")
	require.NoError(t, err)
}

func CreateManagedFieldsModelsTable(t *testing.T, db *sql.DB) {
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS \"managed_fields_models\" (\"id\" integer primary key autoincrement,\"bool\" bool,\"string\" varchar(255),\"created_at\" datetime, \"updated_at\" datetime);")
	require.NoError(t, err)
}

func CreateSecondaryModelsTable(t *testing.T, db *sql.DB) {
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS \"secondary_models\" (\"id\" integer primary key autoincrement,\"model_id\" integer,\"string\" varchar(255));")
	require.NoError(t, err)
}

func CreateTaggedTable(t *testing.T, db *sql.DB) {
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS \"tagged\" (\"id\" integer primary key autoincrement,\"name\" varchar(255));")
	require.NoError(t, err)
}

func AssertModelsEqual(t *testing.T, m1, m2 *Model) {
	require.Equal(t, m1.Bool, m2.Bool)
	require.Equal(t, m1.String, m2.String)
}
