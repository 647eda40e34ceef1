package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// SQLiteSink stores every collection in a single SQLite table. Records are
// kept as JSON and filtered with json_extract, so collections need no
// schema of their own.
type SQLiteSink struct {
	db            *sql.DB
	beaconTimeout time.Duration
	beacons       sync.WaitGroup
}

var (
	_ Sink     = (*SQLiteSink)(nil)
	_ Beaconer = (*SQLiteSink)(nil)
)

// OpenSQLiteSink opens (or creates) the database at path. ":memory:" keeps
// everything in a single in-process connection.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	dsn := path
	if path != ":memory:" {
		// WAL + busy timeout to avoid "database is locked"
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping database: %w", err)
	}
	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSink{db: db, beaconTimeout: DefaultBeaconTimeout}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS records(
	  id           INTEGER PRIMARY KEY,
	  collection   TEXT NOT NULL,
	  conflict_key TEXT,
	  data         TEXT NOT NULL CHECK (json_valid(data)),
	  created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_conflict ON records(collection, conflict_key);
	CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection);
	`)
	if err != nil {
		return xerrors.Errorf("create database tables: %w", err)
	}
	return nil
}

// InsertMany writes records in one transaction.
func (s *SQLiteSink) InsertMany(ctx context.Context, collection string, records []Record) error {
	if !IsValidIdentifier(collection) {
		return xerrors.Errorf("invalid collection name %q", collection)
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records(collection, data) VALUES(?, ?)`)
	if err != nil {
		return xerrors.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return xerrors.Errorf("marshal record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, collection, string(data)); err != nil {
			return xerrors.Errorf("insert record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Upsert replaces the record whose onConflict value matches, keyed per
// collection.
func (s *SQLiteSink) Upsert(ctx context.Context, collection string, record Record, onConflict string) error {
	if !IsValidIdentifier(collection) {
		return xerrors.Errorf("invalid collection name %q", collection)
	}
	if !IsValidIdentifier(onConflict) {
		return xerrors.Errorf("invalid conflict field %q", onConflict)
	}
	key, ok := record[onConflict]
	if !ok {
		return xerrors.Errorf("record has no conflict field %q", onConflict)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return xerrors.Errorf("marshal record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO records(collection, conflict_key, data) VALUES(?, ?, ?)
	ON CONFLICT(collection, conflict_key) DO UPDATE SET data = excluded.data`,
		collection, onConflict+":"+fmt.Sprint(key), string(data))
	if err != nil {
		return xerrors.Errorf("upsert record: %w", err)
	}
	return nil
}

// Select translates the query into SQL over json_extract.
func (s *SQLiteSink) Select(ctx context.Context, query Query) (QueryResult, error) {
	if err := query.Validate(); err != nil {
		return QueryResult{}, err
	}

	where := []string{"collection = ?"}
	args := []any{query.Collection}
	for _, f := range query.Filters {
		where = append(where, fmt.Sprintf("json_extract(data, '$.%s') %s ?", f.Field, sqlOperator(f.Op)))
		args = append(args, sqlValue(f.Value))
	}
	clause := strings.Join(where, " AND ")

	var res QueryResult
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE "+clause, args...).Scan(&res.Count)
	if err != nil {
		return QueryResult{}, xerrors.Errorf("count records: %w", err)
	}
	if query.CountOnly {
		return res, nil
	}

	q := "SELECT data FROM records WHERE " + clause
	if query.OrderBy != "" {
		dir := "ASC"
		if query.Descending {
			dir = "DESC"
		}
		q += fmt.Sprintf(" ORDER BY json_extract(data, '$.%s') %s, id", query.OrderBy, dir)
	} else {
		q += " ORDER BY id"
	}
	limit := -1
	if query.Limit > 0 {
		limit = query.Limit
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return QueryResult{}, xerrors.Errorf("query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return QueryResult{}, xerrors.Errorf("scan record: %w", err)
		}
		var r Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return QueryResult{}, xerrors.Errorf("decode record: %w", err)
		}
		res.Rows = append(res.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, xerrors.Errorf("iterate records: %w", err)
	}
	return res, nil
}

// FetchOne returns the first row matching filters.
func (s *SQLiteSink) FetchOne(ctx context.Context, collection string, filters ...Filter) FetchResult {
	return FetchFromQuery(s.Select(ctx, Query{Collection: collection, Filters: filters, Limit: 1}))
}

// SendBeacon runs the upsert in the background. Close waits for pending
// beacons.
func (s *SQLiteSink) SendBeacon(collection string, record Record, onConflict string) bool {
	if !IsValidIdentifier(collection) || !IsValidIdentifier(onConflict) {
		return false
	}
	record = record.Clone()
	s.beacons.Add(1)
	go func() {
		defer s.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.beaconTimeout)
		defer cancel()
		_ = s.Upsert(ctx, collection, record, onConflict)
	}()
	return true
}

// Close waits for in-flight beacons and closes the database.
func (s *SQLiteSink) Close() error {
	s.beacons.Wait()
	return s.db.Close()
}

func sqlOperator(op Op) string {
	switch op {
	case OpNeq:
		return "!="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	default:
		return "="
	}
}

// json_extract yields 1/0 for JSON booleans.
func sqlValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
