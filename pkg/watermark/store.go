package watermark

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/dataculpa/mongo-connector/pkg/errors"
)

// Watermark is a stream's persisted checkpoint row.
type Watermark struct {
	Stream    string
	FieldName string
	Value     Value
	UpdatedAt time.Time
}

// Store is the durable keyed checkpoint state, one row per stream, backed
// by an embedded sqlite database. Upserts are atomic per stream; a crash
// mid-write never leaves a half-updated row observable to a later Get.
//
// Construct one Store per run and pass it by handle into the engine; there
// is deliberately no package-level instance.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS cache (
	object_name TEXT PRIMARY KEY,
	field_name  TEXT NOT NULL,
	field_value BLOB NOT NULL,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sql_text    TEXT NOT NULL,
	object_name TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_log_object ON audit_log(object_name);
`

// Open opens (creating if necessary) the checkpoint database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open checkpoint database")
	}

	// WAL keeps readers unblocked during the end-of-run upsert.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to set busy timeout")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create checkpoint schema")
	}

	log.Debug("checkpoint store opened", zap.String("path", path))

	return &Store{db: db, log: log}, nil
}

// Get returns the last persisted checkpoint for a stream, or nil when the
// stream has never been synced (scan from the beginning).
func (s *Store) Get(ctx context.Context, stream string) (*Watermark, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT field_name, field_value, updated_at FROM cache WHERE object_name = ?`, stream)

	var (
		fieldName string
		raw       []byte
		updatedAt time.Time
	)
	if err := row.Scan(&fieldName, &raw, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read watermark").
			WithDetail("stream", stream)
	}

	value, err := Decode(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode persisted watermark").
			WithDetail("stream", stream)
	}

	return &Watermark{
		Stream:    stream,
		FieldName: fieldName,
		Value:     value,
		UpdatedAt: updatedAt,
	}, nil
}

// Put upserts the watermark for a stream. It is idempotent: repeating the
// same (stream, field, value) write is harmless.
func (s *Store) Put(ctx context.Context, stream, fieldName string, value Value) error {
	raw, err := value.Encode()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode watermark").
			WithDetail("stream", stream)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache (object_name, field_name, field_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(object_name) DO UPDATE SET
			field_name  = excluded.field_name,
			field_value = excluded.field_value,
			updated_at  = excluded.updated_at`,
		stream, fieldName, raw, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to persist watermark").
			WithDetail("stream", stream)
	}

	s.log.Debug("watermark persisted",
		zap.String("stream", stream),
		zap.String("field", fieldName),
		zap.String("kind", value.Kind().String()),
		zap.String("value", value.String()))

	return nil
}

// AppendAudit records a raw query issued against a stream for forensic
// replay. The log is append-only.
func (s *Store) AppendAudit(ctx context.Context, stream, queryText string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (sql_text, object_name, created_at) VALUES (?, ?, ?)`,
		queryText, stream, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to append audit log").
			WithDetail("stream", stream)
	}
	return nil
}

// AuditEntries returns the recorded queries for a stream, oldest first.
func (s *Store) AuditEntries(ctx context.Context, stream string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sql_text FROM audit_log WHERE object_name = ? ORDER BY id ASC`, stream)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read audit log").
			WithDetail("stream", stream)
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan audit row")
		}
		entries = append(entries, text)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
