// Package audit records mutating operations in an SQLite table.
//
// Entries are queued and written in batches by a background goroutine.
// Middleware wraps a kit.Endpoint so every call through the bus, MCP or
// HTTP surfaces leaves one row with its transport, request id, page and
// outcome.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/anchorkeep/idgen"
	"github.com/hazyhaar/anchorkeep/kit"
)

// Schema creates the audit table. Safe to apply on every open.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    operation     TEXT NOT NULL,
    transport     TEXT NOT NULL DEFAULT 'local',
    request_id    TEXT NOT NULL DEFAULT '',
    page_id       TEXT NOT NULL DEFAULT '',
    parameters    TEXT NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_page ON audit_log(page_id, timestamp DESC);
`

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// maxParams caps the stored request JSON; capture and render requests
// carry whole documents.
const maxParams = 2048

const batchSize = 64

// Entry is one recorded operation.
type Entry struct {
	EntryID      string    `json:"entry_id"`
	Timestamp    time.Time `json:"timestamp"`
	Operation    string    `json:"operation"`
	Transport    string    `json:"transport"`
	RequestID    string    `json:"request_id,omitempty"`
	PageID       string    `json:"page_id,omitempty"`
	Parameters   string    `json:"parameters,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	PageID    string
	Operation string
	Status    string
	Since     time.Time
	Limit     int // default 100
}

// Logger persists entries asynchronously.
type Logger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger

	ch    chan *Entry
	flush chan chan struct{}
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Option configures a Logger.
type Option func(*Logger)

// WithIDGenerator sets the generator for entry ids.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.newID = gen }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithLogger sets the logger for write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// WithBuffer sets the queue size. Default 256.
func WithBuffer(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.ch = make(chan *Entry, n)
		}
	}
}

// New starts a Logger writing to db. Call Init before the first entry and
// Close when done.
func New(db *sql.DB, opts ...Option) *Logger {
	l := &Logger{
		db:     db,
		newID:  idgen.Prefixed("audit_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
		ch:     make(chan *Entry, 256),
		flush:  make(chan chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.loop()
	return l
}

// Init applies the schema.
func (l *Logger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("audit: schema: %w", err)
	}
	return nil
}

// Log writes an entry synchronously.
func (l *Logger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	return l.insert(ctx, l.db, e)
}

// LogAsync queues an entry. A full queue falls back to a synchronous write.
func (l *Logger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	select {
	case <-l.done:
		// Closed: the writer is gone.
	default:
		select {
		case l.ch <- e:
			return
		default:
			l.logger.Warn("audit: buffer full, writing synchronously", "op", e.Operation)
		}
	}
	if err := l.insert(context.Background(), l.db, e); err != nil {
		l.logger.Error("audit: insert", "error", err, "entry_id", e.EntryID)
	}
}

// Flush blocks until every queued entry is written.
func (l *Logger) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case l.flush <- reply:
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer. Safe to call twice.
func (l *Logger) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

// Middleware records every call of the wrapped endpoint under op.
func (l *Logger) Middleware(op string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := l.now()
			resp, err := next(ctx, req)
			e := &Entry{
				Timestamp:  start,
				Operation:  op,
				Transport:  kit.GetTransport(ctx),
				RequestID:  kit.GetRequestID(ctx),
				PageID:     kit.GetPageID(ctx),
				Parameters: params(req),
				DurationMs: l.now().Sub(start).Milliseconds(),
			}
			if err != nil {
				e.ErrorMessage = err.Error()
			}
			l.LogAsync(e)
			return resp, err
		}
	}
}

// Query returns matching entries, newest first.
func (l *Logger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.PageID != "" {
		where = append(where, "page_id = ?")
		args = append(args, f.PageID)
	}
	if f.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, f.Operation)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	q := `SELECT entry_id, timestamp, operation, transport, request_id, page_id,
		parameters, status, error_message, duration_ms FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.EntryID, &ts, &e.Operation, &e.Transport, &e.RequestID,
			&e.PageID, &e.Parameters, &e.Status, &e.ErrorMessage, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retention.
func (l *Logger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := l.now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	return res.RowsAffected()
}

func (l *Logger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.Transport == "" {
		e.Transport = "local"
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.ErrorMessage != "" {
			e.Status = StatusError
		} else {
			e.Status = StatusSuccess
		}
	}
}

func params(req any) string {
	if req == nil {
		return "{}"
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "{}"
	}
	if len(b) > maxParams {
		return string(b[:maxParams])
	}
	return string(b)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *Logger) insert(ctx context.Context, db execer, e *Entry) error {
	_, err := db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, operation, transport, request_id, page_id,
		 parameters, status, error_message, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.UnixMilli(), e.Operation, e.Transport, e.RequestID, e.PageID,
		e.Parameters, e.Status, e.ErrorMessage, e.DurationMs)
	return err
}

func (l *Logger) loop() {
	defer close(l.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*Entry, 0, batchSize)

	write := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		defer func() { batch = batch[:0] }()

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			l.logger.Error("audit: begin tx", "error", err, "dropped", len(batch))
			return
		}
		for _, e := range batch {
			if err := l.insert(ctx, tx, e); err != nil {
				l.logger.Error("audit: insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			l.logger.Error("audit: commit", "error", err)
		}
	}
	drain := func() {
		for {
			select {
			case e := <-l.ch:
				batch = append(batch, e)
			default:
				write()
				return
			}
		}
	}

	for {
		select {
		case <-l.stop:
			drain()
			return
		case reply := <-l.flush:
			drain()
			close(reply)
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				write()
			}
		case <-ticker.C:
			write()
		}
	}
}
