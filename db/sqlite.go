package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TimeFormat is the fixed-width UTC ISO-8601 layout used for stored
// timestamps, so lexical order matches time order.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

const DefaultRecent = 10

var ErrClosed = errors.New("audit log is closed")

const schema = `
    CREATE TABLE IF NOT EXISTS prediction_history (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        identity TEXT NOT NULL,
        timestamp TEXT NOT NULL,
        input_text TEXT NOT NULL,
        prediction_text TEXT NOT NULL,
        explanation_text TEXT NOT NULL DEFAULT '',
        request_id TEXT NOT NULL DEFAULT '',
        source TEXT NOT NULL DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_prediction_history_identity ON prediction_history(identity);
    CREATE INDEX IF NOT EXISTS idx_prediction_history_timestamp ON prediction_history(timestamp);
    `

// AuditRecord is one completed prediction.
type AuditRecord struct {
	Identity        string    `json:"identity"`
	Timestamp       time.Time `json:"timestamp"`
	InputText       string    `json:"input"`
	PredictionText  string    `json:"prediction"`
	ExplanationText string    `json:"explanation"`
	RequestID       string    `json:"request_id,omitempty"`
	Source          string    `json:"source,omitempty"`
}

// Stats aggregates the whole log.
type Stats struct {
	Total       int            `json:"total_predictions"`
	ClassCounts map[string]int `json:"class_distribution"`
	Recent      []AuditRecord  `json:"recent_predictions"`
}

// AuditLog is an append-only prediction history backed by SQLite. The table
// is created on first use; writes are serialized.
type AuditLog struct {
	db *sql.DB

	mu     sync.Mutex
	ready  bool
	closed bool
}

// Open opens (or creates) the database at path. ":memory:" keeps the log in
// process memory.
func Open(path string) (*AuditLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	}
	return &AuditLog{db: conn}, nil
}

// ensureSchema must be called with a.mu held. A failed attempt is retried on
// the next call.
func (a *AuditLog) ensureSchema(ctx context.Context) error {
	if a.closed {
		return ErrClosed
	}
	if a.ready {
		return nil
	}
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	a.ready = true
	return nil
}

func (a *AuditLog) prepare(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensureSchema(ctx)
}

// Record appends one entry.
func (a *AuditLog) Record(ctx context.Context, rec AuditRecord) error {
	if rec.Identity == "" {
		return errors.New("audit record requires an identity")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := a.db.ExecContext(ctx, `
        INSERT INTO prediction_history (
            identity, timestamp, input_text, prediction_text, explanation_text, request_id, source
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Identity,
		rec.Timestamp.UTC().Format(TimeFormat),
		rec.InputText,
		rec.PredictionText,
		rec.ExplanationText,
		rec.RequestID,
		rec.Source,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Stats returns the total count, per-class counts and the recentN most
// recent records, newest first.
func (a *AuditLog) Stats(ctx context.Context, recentN int) (Stats, error) {
	if recentN <= 0 {
		recentN = DefaultRecent
	}
	if err := a.prepare(ctx); err != nil {
		return Stats{}, err
	}

	stats := Stats{Recent: make([]AuditRecord, 0, recentN)}
	counts, err := a.classCounts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("query class counts: %w", err)
	}
	stats.ClassCounts = counts
	for _, n := range counts {
		stats.Total += n
	}

	recent, err := a.query(ctx, `
        SELECT identity, timestamp, input_text, prediction_text, explanation_text, request_id, source
        FROM prediction_history
        ORDER BY timestamp DESC, id DESC
        LIMIT ?`, recentN)
	if err != nil {
		return Stats{}, fmt.Errorf("query recent records: %w", err)
	}
	stats.Recent = append(stats.Recent, recent...)
	return stats, nil
}

// History returns the most recent records for one identity, newest first.
func (a *AuditLog) History(ctx context.Context, identity string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = DefaultRecent
	}
	if err := a.prepare(ctx); err != nil {
		return nil, err
	}
	return a.query(ctx, `
        SELECT identity, timestamp, input_text, prediction_text, explanation_text, request_id, source
        FROM prediction_history
        WHERE identity = ?
        ORDER BY timestamp DESC, id DESC
        LIMIT ?`, identity, limit)
}

func (a *AuditLog) CountByIdentity(ctx context.Context, identity string) (int, error) {
	if err := a.prepare(ctx); err != nil {
		return 0, err
	}
	var count int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prediction_history WHERE identity = ?`, identity).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count records for identity: %w", err)
	}
	return count, nil
}

func (a *AuditLog) classCounts(ctx context.Context) (map[string]int, error) {
	rows, err := a.db.QueryContext(ctx, `
        SELECT prediction_text, COUNT(*)
        FROM prediction_history
        GROUP BY prediction_text`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var class string
		var count int
		if err := rows.Scan(&class, &count); err != nil {
			return nil, err
		}
		counts[class] = count
	}
	return counts, rows.Err()
}

func (a *AuditLog) query(ctx context.Context, query string, args ...any) ([]AuditRecord, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]AuditRecord, 0)
	for rows.Next() {
		var rec AuditRecord
		var ts string
		if err := rows.Scan(&rec.Identity, &ts, &rec.InputText, &rec.PredictionText,
			&rec.ExplanationText, &rec.RequestID, &rec.Source); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(TimeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parse stored timestamp %q: %w", ts, err)
		}
		rec.Timestamp = parsed
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ping checks that the database is reachable.
func (a *AuditLog) Ping(ctx context.Context) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return a.db.PingContext(ctx)
}

func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}
