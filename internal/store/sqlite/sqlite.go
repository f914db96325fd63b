// Package sqlite persists audit records so decisions remain queryable
// after the agent has drained them.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opgate/opgate/internal/events"
	"github.com/opgate/opgate/pkg/types"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			record_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			request_id INTEGER NOT NULL,
			tid INTEGER NOT NULL,
			kind TEXT NOT NULL,
			flags INTEGER NOT NULL,
			response INTEGER NOT NULL,
			status TEXT NOT NULL,
			path TEXT,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_kind_ts ON audit_records(kind, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_records(request_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_path ON audit_records(path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

// Append inserts one finished audit record.
func (s *Store) Append(ctx context.Context, rec events.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record missing id")
	}
	if rec.Event == nil {
		return fmt.Errorf("record missing event")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records(
			record_id, ts_unix_ns, request_id, tid, kind, flags,
			response, status, path, payload_json
		) VALUES(?,?,?,?,?,?,?,?,?,?);`,
		rec.ID,
		rec.Timestamp.UTC().UnixNano(),
		rec.Event.RequestID,
		rec.Event.TID,
		string(rec.Event.Kind),
		uint64(rec.Event.Flags),
		int64(rec.Outcome.Response),
		string(rec.Outcome.Status),
		nullable(rec.Event.Path()),
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Query filters stored audit records.
type Query struct {
	RequestID uint64
	Kinds     []types.Kind
	Status    string
	Since     *time.Time
	Until     *time.Time
	PathLike  string
	Limit     int
	Asc       bool
}

func (s *Store) QueryRecords(ctx context.Context, q Query) ([]events.Record, error) {
	where := []string{"1=1"}
	var args []any

	if q.RequestID != 0 {
		where = append(where, "request_id = ?")
		args = append(args, q.RequestID)
	}
	if len(q.Kinds) > 0 {
		place := make([]string, 0, len(q.Kinds))
		for _, k := range q.Kinds {
			place = append(place, "?")
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(place, ",")+")")
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}
	if q.PathLike != "" {
		where = append(where, "path LIKE ?")
		args = append(args, q.PathLike)
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload_json FROM audit_records
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY ts_unix_ns `+order+`
		LIMIT ?;`, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []events.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec events.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
