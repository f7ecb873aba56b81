package query

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"recstore/db/orm/query/clause"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"
)

var ErrMissingIdField = errors.New("struct must contain ID field")
var ErrModelNotFound = errors.New("no matching model was found")

var ErrInvalidModelArg = errors.New("invalid argument; pointer to struct is required")
var ErrInvalidModelsArg = errors.New("invalid argument; pointer to slice of pointers to structs is required")

// Tabler can be implemented by a model to override its table name
type Tabler interface {
	TableName() string
}

var timeType = reflect.TypeOf(time.Time{})

func isModel(inter interface{}) bool {
	if inter == nil || reflect.TypeOf(inter).Kind() != reflect.Ptr {
		return false
	}

	ptr := reflect.ValueOf(inter)
	if ptr.IsNil() {
		return false
	}

	return ptr.Elem().Kind() == reflect.Struct
}

func isModels(inter interface{}) bool {
	if inter == nil || reflect.TypeOf(inter).Kind() != reflect.Ptr {
		return false
	}

	ptr := reflect.ValueOf(inter)
	if ptr.IsNil() {
		return false
	}

	sliceType := ptr.Elem().Type()
	if sliceType.Kind() != reflect.Slice {
		return false
	}

	if sliceType.Elem().Kind() != reflect.Ptr {
		return false
	}

	return sliceType.Elem().Elem().Kind() == reflect.Struct
}

func modelType(model interface{}) reflect.Type {
	return reflect.Indirect(reflect.ValueOf(model)).Type()
}

func modelsType(models interface{}) reflect.Type {
	return reflect.Indirect(reflect.ValueOf(models)).Type().Elem().Elem()
}

func hasID(t reflect.Type) bool {
	f, found := t.FieldByName("ID")
	if !found {
		return false
	}

	switch f.Type.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}

	return false
}

func toSnake(s string) string {
	runes := []rune(s)

	var b strings.Builder
	for idx, r := range runes {
		if unicode.IsUpper(r) && idx > 0 {
			prevLower := unicode.IsLower(runes[idx-1])
			nextLower := idx+1 < len(runes) && unicode.IsLower(runes[idx+1])
			if prevLower || (nextLower && unicode.IsUpper(runes[idx-1])) {
				b.WriteRune('_')
			}
		}

		b.WriteRune(unicode.ToLower(r))
	}

	return b.String()
}

func quote(identifier string) string {
	return fmt.Sprintf("\"%s\"", identifier)
}

// column maps a struct field to its SQL column
type column struct {
	name  string
	field string
	index int
}

func columns(t reflect.Type) []column {
	var cols []column
	for idx := 0; idx < t.NumField(); idx++ {
		f := t.Field(idx)

		// Unexported
		if f.PkgPath != "" {
			continue
		}

		name := f.Tag.Get("db")
		if name == "-" {
			continue
		}
		if name == "" {
			name = toSnake(f.Name)
		}

		cols = append(cols, column{name: name, field: f.Name, index: idx})
	}

	return cols
}

func tableName(t reflect.Type) string {
	if tabler, ok := reflect.New(t).Interface().(Tabler); ok {
		return tabler.TableName()
	}

	return fmt.Sprintf("%ss", toSnake(t.Name()))
}

func selectList(table string, cols []column) string {
	names := make([]string, len(cols))
	for idx, col := range cols {
		names[idx] = fmt.Sprintf("%s.%s", quote(table), quote(col.name))
	}

	return strings.Join(names, ",")
}

func fieldPointers(modelVal reflect.Value, cols []column) []interface{} {
	ptrs := make([]interface{}, len(cols))
	for idx, col := range cols {
		ptrs[idx] = modelVal.Field(col.index).Addr().Interface()
	}

	return ptrs
}

func isZeroID(modelVal reflect.Value) bool {
	return modelVal.FieldByName("ID").IsZero()
}

func setID(modelVal reflect.Value, id int64) {
	idVal := modelVal.FieldByName("ID")
	switch idVal.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		idVal.SetInt(id)
	default:
		idVal.SetUint(uint64(id))
	}
}

// setManagedTime sets the named field to t if the model has a time.Time field by
// that name, and reports whether it did
func setManagedTime(modelVal reflect.Value, name string, t time.Time) bool {
	f := modelVal.FieldByName(name)
	if !f.IsValid() || f.Type() != timeType || !f.CanSet() {
		return false
	}

	f.Set(reflect.ValueOf(t))
	return true
}

// Query contains the methods needed to execute a SQL query in a given database/transaction
type Query interface {
	Exec(context.Context, *sql.DB) error
	ExecTx(context.Context, *sql.Tx) error
}

type query struct {
	str  string
	args []interface{}
}

func (q *query) add(clause *clause.Clause) {
	q.str = fmt.Sprintf("%s %s", q.str, clause.Text())
	q.args = append(q.args, clause.Args()...)
}

func (q *query) addAll(clauses ...*clause.Clause) {
	for _, clause := range clauses {
		q.add(clause)
	}
}

func exec(ctx context.Context, q Query, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create DB transaction")
	}
	defer tx.Rollback() // nolint: errcheck

	err = q.ExecTx(ctx, tx)
	if err != nil {
		return errors.Wrap(err, "failed to execute query")
	}

	return errors.Wrap(tx.Commit(), "failed to commit DB transaction")
}

type deleteQuery struct {
	query
	models interface{}
}

func (q *deleteQuery) Exec(ctx context.Context, db *sql.DB) error {
	return exec(ctx, q, db)
}

func (q *deleteQuery) ExecTx(ctx context.Context, tx *sql.Tx) error {
	modelsVal := reflect.Indirect(reflect.ValueOf(q.models))
	if modelsVal.Len() == 0 {
		return nil
	}

	var ids []interface{}
	for i := 0; i < modelsVal.Len(); i++ {
		modelVal := reflect.Indirect(modelsVal.Index(i))
		ids = append(ids, modelVal.FieldByName("ID").Interface())
	}

	str := fmt.Sprintf("%s where id %s", q.str, clause.In(ids...).Text())

	stmt, err := tx.PrepareContext(ctx, str)
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, ids...)
	if err != nil {
		return errors.Wrap(err, "failed to execute prepared statement")
	}

	count, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get affected row count")
	}
	if count != int64(len(ids)) {
		return errors.Wrapf(ErrModelNotFound, "deleted %d of %d models", count, len(ids))
	}

	return nil
}

type selectCountQuery struct {
	query
	result *int
}

func (q *selectCountQuery) Exec(ctx context.Context, db *sql.DB) error {
	return exec(ctx, q, db)
}

func (q *selectCountQuery) ExecTx(ctx context.Context, tx *sql.Tx) error {
	err := tx.QueryRowContext(ctx, q.str, q.args...).Scan(q.result)
	return errors.Wrap(err, "failed to scan count")
}

type selectQuery struct {
	query
	cols    []column
	results interface{}
}

func (q *selectQuery) Exec(ctx context.Context, db *sql.DB) error {
	return exec(ctx, q, db)
}

func (q *selectQuery) ExecTx(ctx context.Context, tx *sql.Tx) error {
	stmt, err := tx.PrepareContext(ctx, q.str)
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx, q.args...)
	if err != nil {
		return errors.Wrap(err, "failed to execute query")
	}
	defer rows.Close()

	val := reflect.Indirect(reflect.ValueOf(q.results))
	sliceValue := reflect.MakeSlice(val.Type(), 0, 0)
	for rows.Next() {
		modelValue := reflect.New(val.Type().Elem().Elem())

		err = rows.Scan(fieldPointers(modelValue.Elem(), q.cols)...)
		if err != nil {
			return errors.Wrap(err, "failed to scan model")
		}

		sliceValue = reflect.Append(sliceValue, modelValue)
	}

	err = rows.Err()
	if err != nil {
		return errors.Wrap(err, "cursor error")
	}

	val.Set(sliceValue)

	return nil
}

type selectOneQuery struct {
	query
	cols   []column
	result interface{}
}

func (q *selectOneQuery) Exec(ctx context.Context, db *sql.DB) error {
	return exec(ctx, q, db)
}

func (q *selectOneQuery) ExecTx(ctx context.Context, tx *sql.Tx) error {
	stmt, err := tx.PrepareContext(ctx, q.str)
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx, q.args...)
	if err != nil {
		return errors.Wrap(err, "failed to execute prepared statement")
	}
	defer rows.Close()

	if !rows.Next() {
		err = rows.Err()
		if err != nil {
			return errors.Wrap(err, "cursor error")
		}

		return ErrModelNotFound
	}

	val := reflect.Indirect(reflect.ValueOf(q.result))

	err = rows.Scan(fieldPointers(val, q.cols)...)
	if err != nil {
		return errors.Wrap(err, "failed to scan model")
	}

	return errors.Wrap(rows.Err(), "cursor error")
}

type insertQuery struct {
	query
	model interface{}
}

func (q *insertQuery) Exec(ctx context.Context, db *sql.DB) error {
	return exec(ctx, q, db)
}

func (q *insertQuery) ExecTx(ctx context.Context, tx *sql.Tx) error {
	modelVal := reflect.Indirect(reflect.ValueOf(q.model))

	// For CreatedAt/UpdatedAt
	now := time.Now()
	setManagedTime(modelVal, "CreatedAt", now)
	setManagedTime(modelVal, "UpdatedAt", now)

	names := []string{}
	params := []string{}
	values := []interface{}{}
	for _, col := range columns(modelVal.Type()) {
		// Assigned by the database
		if col.field == "ID" {
			continue
		}

		names = append(names, quote(col.name))
		params = append(params, "?")
		values = append(values, modelVal.Field(col.index).Interface())
	}

	table := quote(tableName(modelVal.Type()))
	var str string
	if len(names) == 0 {
		str = fmt.Sprintf("insert into %s default values", table)
	} else {
		str = fmt.Sprintf("insert into %s (%s) values (%s)", table, strings.Join(names, ","), strings.Join(params, ","))
	}

	stmt, err := tx.PrepareContext(ctx, str)
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, values...)
	if err != nil {
		return errors.Wrap(err, "failed to execute prepared statement")
	}

	count, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get affected row count")
	}
	if count != 1 {
		return errors.Errorf("expected one row to be affected, got %d", count)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last inserted id")
	}

	setID(modelVal, id)

	return nil
}

type updateQuery struct {
	query
	model interface{}
}

func (q *updateQuery) Exec(ctx context.Context, db *sql.DB) error {
	return exec(ctx, q, db)
}

func (q *updateQuery) ExecTx(ctx context.Context, tx *sql.Tx) error {
	modelVal := reflect.Indirect(reflect.ValueOf(q.model))

	setManagedTime(modelVal, "UpdatedAt", time.Now())

	assignments := []string{}
	values := []interface{}{}
	for _, col := range columns(modelVal.Type()) {
		// CreatedAt is set in an insert query; shouldn't be modified by caller
		if col.field == "ID" || col.field == "CreatedAt" {
			continue
		}

		assignments = append(assignments, fmt.Sprintf("%s=?", quote(col.name)))
		values = append(values, modelVal.Field(col.index).Interface())
	}
	values = append(values, modelVal.FieldByName("ID").Interface())

	if len(assignments) == 0 {
		return nil
	}

	str := fmt.Sprintf("update %s set %s where id=?", quote(tableName(modelVal.Type())), strings.Join(assignments, ","))

	stmt, err := tx.PrepareContext(ctx, str)
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, values...)
	if err != nil {
		return errors.Wrap(err, "failed to execute prepared statement")
	}

	count, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get affected row count")
	}
	if count == 0 {
		return ErrModelNotFound
	}
	if count != 1 {
		return errors.Errorf("expected one row to be affected, got %d", count)
	}

	return nil
}

type upsertQuery struct {
	query
	model interface{}
}

func (q *upsertQuery) Exec(ctx context.Context, db *sql.DB) error {
	return exec(ctx, q, db)
}

func (q *upsertQuery) ExecTx(ctx context.Context, tx *sql.Tx) error {
	modelVal := reflect.Indirect(reflect.ValueOf(q.model))

	var count int
	if !isZeroID(modelVal) {
		countQuery := SelectCountFrom(
			tableName(modelVal.Type()),
			&count,
			clause.Where("id = ?", modelVal.FieldByName("ID").Interface()))
		err := countQuery.ExecTx(ctx, tx)
		if err != nil {
			return errors.Wrap(err, "failed to execute query")
		}
	}

	var query Query
	var err error
	if count > 0 {
		query, err = Update(q.model)
	} else {
		query, err = Insert(q.model)
	}
	if err != nil {
		return errors.Wrap(err, "failed to create query")
	}

	return errors.Wrap(query.ExecTx(ctx, tx), "failed to execute query")
}

// Delete returns a delete query which deletes the given models from the appropriate table
func Delete(models interface{}) (Query, error) {
	var query deleteQuery

	if !isModels(models) {
		return &query, ErrInvalidModelsArg
	}

	t := modelsType(models)
	if !hasID(t) {
		return &query, ErrMissingIdField
	}

	query.str = fmt.Sprintf("delete from %s", quote(tableName(t)))
	query.models = models

	return &query, nil
}

// SelectCountFrom returns a select query which fetches the number of records in the given table and assigns the result to the given reference, subject to the given query clauses
func SelectCountFrom(table string, result *int, clauses ...*clause.Clause) Query {
	var query selectCountQuery

	query.str = fmt.Sprintf("select count(*) from %s", quote(table))
	query.result = result
	query.addAll(clauses...)

	return &query
}

// Count returns a select query which counts the models of the given type, subject to the given query clauses
func Count(model interface{}, result *int, clauses ...*clause.Clause) (Query, error) {
	var t reflect.Type
	switch {
	case isModel(model):
		t = modelType(model)
	case isModels(model):
		t = modelsType(model)
	default:
		return &selectCountQuery{}, ErrInvalidModelArg
	}

	if !hasID(t) {
		return &selectCountQuery{}, ErrMissingIdField
	}

	return SelectCountFrom(tableName(t), result, clauses...), nil
}

// Select returns a select query which fetches the models from the appropriate table and assigns the result to the given interface, subject to the given query clauses
func Select(results interface{}, clauses ...*clause.Clause) (Query, error) {
	var query selectQuery

	if !isModels(results) {
		return &query, ErrInvalidModelsArg
	}

	t := modelsType(results)
	if !hasID(t) {
		return &query, ErrMissingIdField
	}

	table := tableName(t)
	query.cols = columns(t)
	query.str = fmt.Sprintf("select %s from %s", selectList(table, query.cols), quote(table))
	query.results = results
	query.addAll(clauses...)

	return &query, nil
}

// SelectOne returns a select query which fetches the first model from the appropriate table and assigns the result to the given interface, subject to the given query clauses
func SelectOne(result interface{}, clauses ...*clause.Clause) (Query, error) {
	var query selectOneQuery

	if !isModel(result) {
		return &query, ErrInvalidModelArg
	}

	t := modelType(result)
	if !hasID(t) {
		return &query, ErrMissingIdField
	}

	table := tableName(t)
	query.cols = columns(t)
	query.str = fmt.Sprintf("select %s from %s", selectList(table, query.cols), quote(table))
	query.result = result
	query.addAll(clauses...)

	return &query, nil
}

// Insert returns an insert query which inserts the model into the appropriate table
func Insert(model interface{}) (Query, error) {
	var query insertQuery

	if !isModel(model) {
		return &query, ErrInvalidModelArg
	}

	if !hasID(modelType(model)) {
		return &query, ErrMissingIdField
	}

	query.model = model

	return &query, nil
}

// Update returns an update query which updates the model in the appropriate table
func Update(model interface{}) (Query, error) {
	var query updateQuery

	if !isModel(model) {
		return &query, ErrInvalidModelArg
	}

	if !hasID(modelType(model)) {
		return &query, ErrMissingIdField
	}

	query.model = model

	return &query, nil
}

// Upsert returns an upsert query which inserts the model into the appropriate table if it has an unspecified ID, and updates it otherwise
func Upsert(model interface{}) (Query, error) {
	var query upsertQuery

	if !isModel(model) {
		return &query, ErrInvalidModelArg
	}

	if !hasID(modelType(model)) {
		return &query, ErrMissingIdField
	}

	query.model = model

	return &query, nil
}
