// Package datarecording stores translation events in a SQLite database for
// offline inspection.
package datarecording

import (
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/structs"
	"github.com/pkg/errors"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// DataRecorder is a backend that can record and store rows of flat structs.
type DataRecorder interface {
	// CreateTable creates a table whose columns are the fields of
	// sampleEntry.
	CreateTable(tableName string, sampleEntry any)

	// InsertData buffers a row for a table that already exists.
	InsertData(tableName string, entry any)

	// ListTables returns the names of all tables created.
	ListTables() []string

	// Flush writes all the buffered rows into the database.
	Flush()

	// Close flushes and closes the database.
	Close() error
}

const defaultBatchSize = 10000

// New creates a DataRecorder writing to path.sqlite3. An empty path picks a
// unique name. Buffered rows are flushed when the program exits through
// atexit.
func New(path string) DataRecorder {
	w := &sqliteWriter{
		dbName:    path,
		batchSize: defaultBatchSize,
		tables:    make(map[string]*table),
	}

	w.Init()

	atexit.Register(func() { w.Flush() })

	return w
}

// NewWithDB creates a DataRecorder writing to an open database.
func NewWithDB(db *sql.DB) DataRecorder {
	return &sqliteWriter{
		DB:        db,
		batchSize: defaultBatchSize,
		tables:    make(map[string]*table),
	}
}

type table struct {
	structType reflect.Type
	insertSQL  string
	rows       [][]any
}

// sqliteWriter buffers rows per table and writes them in one transaction.
type sqliteWriter struct {
	*sql.DB

	dbName    string
	tables    map[string]*table
	order     []string
	batchSize int
	pending   int
}

// Init opens a new database file. An existing file is never reused.
func (t *sqliteWriter) Init() {
	if t.dbName == "" {
		t.dbName = "ppcmmu_recording_" + xid.New().String()
	}

	filename := t.dbName + ".sqlite3"

	if _, err := os.Stat(filename); err == nil {
		panic(errors.Errorf("file %s already exists", filename))
	}

	fmt.Fprintf(os.Stderr, "Recording translation events to %s\n", filename)

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(errors.Wrap(err, "opening recording database"))
	}

	t.DB = db
}

// columnType maps a field kind to an SQLite column type. Kinds that do not
// fit a column return false.
func columnType(kind reflect.Kind) (string, bool) {
	switch kind {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Uint64, reflect.Uintptr:
		return "INTEGER", true
	case reflect.Float32, reflect.Float64:
		return "REAL", true
	case reflect.String:
		return "TEXT", true
	default:
		return "", false
	}
}

func (t *sqliteWriter) CreateTable(tableName string, sampleEntry any) {
	st := reflect.TypeOf(sampleEntry)
	names := structs.Names(sampleEntry)

	columns := make([]string, 0, len(names))
	for i, name := range names {
		field, _ := st.FieldByName(name)

		sqlType, ok := columnType(field.Type.Kind())
		if !ok {
			panic(errors.Errorf("table %s: field %s of type %s can not be stored",
				tableName, name, field.Type))
		}

		columns = append(columns, name+" "+sqlType)
		names[i] = "?"
	}

	t.mustExecute(fmt.Sprintf("CREATE TABLE %s (\n\t%s\n);",
		tableName, strings.Join(columns, ",\n\t")))

	t.tables[tableName] = &table{
		structType: st,
		insertSQL: fmt.Sprintf("INSERT INTO %s VALUES (%s)",
			tableName, strings.Join(names, ", ")),
	}
	t.order = append(t.order, tableName)
}

func (t *sqliteWriter) InsertData(tableName string, entry any) {
	tbl, exists := t.tables[tableName]
	if !exists {
		panic(errors.Errorf("table %s does not exist", tableName))
	}

	if reflect.TypeOf(entry) != tbl.structType {
		panic(errors.Errorf("table %s holds %s, not %T",
			tableName, tbl.structType, entry))
	}

	tbl.rows = append(tbl.rows, structs.Values(entry))

	t.pending++
	if t.pending >= t.batchSize {
		t.Flush()
	}
}

func (t *sqliteWriter) ListTables() []string {
	return append([]string(nil), t.order...)
}

func (t *sqliteWriter) Flush() {
	if t.pending == 0 {
		return
	}

	tx, err := t.Begin()
	if err != nil {
		panic(errors.Wrap(err, "starting a recording transaction"))
	}

	for _, name := range t.order {
		tbl := t.tables[name]
		if len(tbl.rows) == 0 {
			continue
		}

		if err := insertRows(tx, tbl); err != nil {
			_ = tx.Rollback()
			panic(errors.Wrapf(err, "flushing table %s", name))
		}

		tbl.rows = nil
	}

	if err := tx.Commit(); err != nil {
		panic(errors.Wrap(err, "committing recorded rows"))
	}

	t.pending = 0
}

func insertRows(tx *sql.Tx, tbl *table) error {
	stmt, err := tx.Prepare(tbl.insertSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range tbl.rows {
		if _, err := stmt.Exec(row...); err != nil {
			return err
		}
	}

	return nil
}

func (t *sqliteWriter) Close() error {
	t.Flush()
	return t.DB.Close()
}

func (t *sqliteWriter) mustExecute(query string) sql.Result {
	res, err := t.Exec(query)
	if err != nil {
		panic(errors.Wrapf(err, "executing %q", query))
	}

	return res
}
