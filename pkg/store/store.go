// Package store provides durable, indexed storage of accepted events on
// SQLite. Writes are serialized through a single mutex so ingestion
// timestamps are unique and monotonically non-decreasing; reads run
// concurrently and never observe a partially indexed event because the
// primary insert and every secondary-index row commit in one transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/starcom-labs/relaynode/pkg/event"
)

// Outcome reports what Store did with an event.
type Outcome int

const (
	Inserted Outcome = iota
	DuplicateIgnored
)

func (o Outcome) String() string {
	if o == DuplicateIgnored {
		return "duplicate_ignored"
	}
	return "inserted"
}

var (
	// ErrUnavailable wraps transient infrastructure faults. The orchestrator
	// retries these with backoff before surfacing a notice.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned for point lookups that match nothing.
	ErrNotFound = errors.New("event not found")
)

// DefaultQueryCeiling caps any single query, constrained or not.
const DefaultQueryCeiling = 500

// EventStore persists one record per accepted event keyed by id, secondary
// indexes by author, kind, tag key/value and time, plus a tombstone set.
type EventStore struct {
	db      *sql.DB
	ceiling int
	log     *slog.Logger

	// mu is the single serialization point for received_at assignment and
	// write exclusivity (store, tombstone).
	mu           sync.Mutex
	lastReceived int64
	now          func() time.Time
}

// Open opens (creating if necessary) the store at path and migrates the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string, ceiling int) (*EventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection keeps modernc/sqlite free of SQLITE_BUSY
	// under concurrent sessions; reads multiplex over it.
	db.SetMaxOpenConns(1)

	s := New(db, ceiling)
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle without migrating. Tests inject
// sqlmock handles through this path.
func New(db *sql.DB, ceiling int) *EventStore {
	if ceiling <= 0 {
		ceiling = DefaultQueryCeiling
	}
	return &EventStore{
		db:      db,
		ceiling: ceiling,
		log:     slog.Default().With("component", "store"),
		now:     time.Now,
	}
}

// WithClock overrides the ingestion clock for testing.
func (s *EventStore) WithClock(now func() time.Time) *EventStore {
	s.now = now
	return s
}

// Close closes the underlying database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

func (s *EventStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			pubkey TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			tags TEXT NOT NULL,
			content TEXT NOT NULL,
			sig TEXT NOT NULL,
			received_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_tags (
			event_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tombstones (
			id TEXT PRIMARY KEY,
			deleted_by TEXT NOT NULL,
			reason_event TEXT NOT NULL,
			deleted_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events (pubkey)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events (kind)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_received_at ON events (received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_event_tags_kv ON event_tags (key, value, event_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Store persists the event and its index rows atomically. Storing an id that
// already exists (or is tombstoned) is a no-op reported as DuplicateIgnored.
func (s *EventStore) Store(ctx context.Context, ev *event.Event) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var tombstoned int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tombstones WHERE id = ?`, ev.ID)
	if err := row.Scan(&tombstoned); err != nil {
		return 0, fmt.Errorf("%w: tombstone check: %v", ErrUnavailable, err)
	}
	if tombstoned > 0 {
		return DuplicateIgnored, nil
	}

	receivedAt := s.nextReceivedAt()
	tagsJSON, err := json.Marshal(ev.Tags)
	if err != nil {
		return 0, fmt.Errorf("encode tags: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Author, ev.CreatedAt, ev.Kind, string(tagsJSON), ev.Content, ev.Sig, receivedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %v", ErrUnavailable, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if inserted == 0 {
		return DuplicateIgnored, nil
	}

	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_tags (event_id, key, value) VALUES (?, ?, ?)`,
			ev.ID, tag[0], tag[1],
		); err != nil {
			return 0, fmt.Errorf("%w: index tag: %v", ErrUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	ev.ReceivedAt = receivedAt
	return Inserted, nil
}

// nextReceivedAt assigns a unique, monotonically non-decreasing ingestion
// timestamp. Callers hold s.mu.
func (s *EventStore) nextReceivedAt() int64 {
	next := s.now().UnixNano()
	if next <= s.lastReceived {
		next = s.lastReceived + 1
	}
	s.lastReceived = next
	return next
}

// GetByID returns a single non-tombstoned event.
func (s *EventStore) GetByID(ctx context.Context, id string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pubkey, created_at, kind, tags, content, sig, received_at
		FROM events
		WHERE id = ? AND id NOT IN (SELECT id FROM tombstones)`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ev, nil
}

// Query returns stored events matching any of the filters, newest-first by
// ingestion time, excluding tombstoned ids. The result is capped at the
// smaller of limit and the server-side ceiling; a non-positive limit selects
// the ceiling.
func (s *EventStore) Query(ctx context.Context, filters []event.Filter, limit int) ([]*event.Event, error) {
	if limit <= 0 || limit > s.ceiling {
		limit = s.ceiling
	}

	seen := make(map[string]struct{})
	var merged []*event.Event
	for i := range filters {
		evs, err := s.queryOne(ctx, &filters[i], limit)
		if err != nil {
			return nil, err
		}
		for _, ev := range evs {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			merged = append(merged, ev)
		}
	}

	sortByReceivedDesc(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (s *EventStore) queryOne(ctx context.Context, f *event.Filter, limit int) ([]*event.Event, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, `id NOT IN (SELECT id FROM tombstones)`)

	if len(f.IDs) > 0 {
		where = append(where, `id IN (`+placeholders(len(f.IDs))+`)`)
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.Authors) > 0 {
		where = append(where, `pubkey IN (`+placeholders(len(f.Authors))+`)`)
		for _, a := range f.Authors {
			args = append(args, a)
		}
	}
	if len(f.Kinds) > 0 {
		where = append(where, `kind IN (`+placeholders(len(f.Kinds))+`)`)
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if f.Since != nil {
		where = append(where, `created_at >= ?`)
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		where = append(where, `created_at < ?`)
		args = append(args, *f.Until)
	}
	for key, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		clause := `EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = events.id AND t.key = ? AND t.value IN (` + placeholders(len(values)) + `))`
		where = append(where, clause)
		args = append(args, key)
		for _, v := range values {
			args = append(args, v)
		}
	}

	max := limit
	if f.Limit > 0 && f.Limit < max {
		max = f.Limit
	}
	args = append(args, max)

	query := `SELECT id, pubkey, created_at, kind, tags, content, sig, received_at FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY received_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return events, nil
}

// DeleteEffective records a tombstone for targetID, provided the target
// exists and was authored by author. The event row is retained so the
// deletion remains auditable; tombstoned events are excluded from queries
// and live matching. Returns false when the author check fails.
func (s *EventStore) DeleteEffective(ctx context.Context, targetID, author, reasonEvent string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var targetAuthor string
	row := s.db.QueryRowContext(ctx, `SELECT pubkey FROM events WHERE id = ?`, targetID)
	if err := row.Scan(&targetAuthor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if targetAuthor != author {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tombstones (id, deleted_by, reason_event, deleted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		targetID, author, reasonEvent, s.now().Unix(),
	); err != nil {
		return false, fmt.Errorf("%w: tombstone: %v", ErrUnavailable, err)
	}
	return true, nil
}

// Tombstoned reports whether the id has been deleted.
func (s *EventStore) Tombstoned(ctx context.Context, id string) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tombstones WHERE id = ?`, id)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Expire physically removes events received before cutoff, the one uniform
// retention exception to append-only storage. Tombstones are kept.
func (s *EventStore) Expire(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM event_tags WHERE event_id IN (SELECT id FROM events WHERE received_at < ?)`,
		cutoff.UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE received_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	removed, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if removed > 0 {
		s.log.Info("retention sweep", "removed", removed)
	}
	return removed, nil
}

// Stats summarizes the store for the health endpoint.
type Stats struct {
	TotalEvents int64 `json:"total_events"`
	Tombstones  int64 `json:"tombstones"`
}

// Stats returns store counters.
func (s *EventStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.TotalEvents); err != nil {
		return st, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tombstones`).Scan(&st.Tombstones); err != nil {
		return st, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		ev       event.Event
		tagsJSON string
	)
	if err := row.Scan(&ev.ID, &ev.Author, &ev.CreatedAt, &ev.Kind, &tagsJSON, &ev.Content, &ev.Sig, &ev.ReceivedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &ev, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func sortByReceivedDesc(events []*event.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].ReceivedAt > events[j].ReceivedAt
	})
}
