package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/blockflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). It is the durable backend: a frame paused here can be resumed by a
// different process holding only a ResumeHandle.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// --- Frames ---

// SaveFrame upserts a frame record.
func (s *LibSQLStore) SaveFrame(ctx context.Context, fr *FrameRecord) error {
	program, err := json.Marshal(fr.Program)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal frame program").WithCause(err)
	}
	var interrupt any
	if fr.Interrupt != nil {
		raw, err := json.Marshal(fr.Interrupt)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "marshal frame interrupt").WithCause(err)
		}
		interrupt = string(raw)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO frames (id, session_id, program, pointer, status, wait_reason, active_token, interrupt, created_at, updated_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   pointer=excluded.pointer, status=excluded.status, wait_reason=excluded.wait_reason,
		   active_token=excluded.active_token, interrupt=excluded.interrupt,
		   updated_at=excluded.updated_at, ended_at=excluded.ended_at`,
		fr.ID, fr.SessionID, string(program), fr.Pointer, string(fr.Status), string(fr.WaitReason),
		nullStr(fr.ActiveToken), interrupt, timeOrNow(fr.CreatedAt), now, nullTime(fr.EndedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save frame").WithCause(err)
	}
	return nil
}

// GetFrame loads a frame record by id.
func (s *LibSQLStore) GetFrame(ctx context.Context, id string) (*FrameRecord, error) {
	fr := &FrameRecord{}
	var program string
	var interrupt, token sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, program, pointer, status, wait_reason, active_token, interrupt, created_at, updated_at, ended_at
		 FROM frames WHERE id = ?`, id,
	).Scan(&fr.ID, &fr.SessionID, &program, &fr.Pointer, &fr.Status, &fr.WaitReason, &token, &interrupt,
		&fr.CreatedAt, &fr.UpdatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "frame %q not found", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load frame").WithCause(err)
	}

	fr.Program = &schema.Program{}
	if err := json.Unmarshal([]byte(program), fr.Program); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "unmarshal frame program").WithCause(err)
	}
	if token.Valid {
		fr.ActiveToken = token.String
	}
	if interrupt.Valid && interrupt.String != "" {
		fr.Interrupt = &InterruptInfo{}
		if err := json.Unmarshal([]byte(interrupt.String), fr.Interrupt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "unmarshal frame interrupt").WithCause(err)
		}
	}
	if endedAt.Valid {
		t := endedAt.Time
		fr.EndedAt = &t
	}
	return fr, nil
}

// --- Snapshots ---

// SaveSnapshot stores an immutable snapshot; a duplicate id is a conflict.
func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, frame_id, pointer, state, captured_at) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.FrameID, snap.Pointer, string(snap.State), timeOrNow(snap.CapturedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save snapshot").WithCause(err)
	}
	return nil
}

// GetSnapshot loads a snapshot by id.
func (s *LibSQLStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	snap := &Snapshot{}
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, frame_id, pointer, state, captured_at FROM snapshots WHERE id = ?`, id,
	).Scan(&snap.ID, &snap.FrameID, &snap.Pointer, &state, &snap.CapturedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "snapshot %q not found", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load snapshot").WithCause(err)
	}
	snap.State = json.RawMessage(state)
	return snap, nil
}

// ListSnapshots returns all snapshots of a frame ordered by capture time.
func (s *LibSQLStore) ListSnapshots(ctx context.Context, frameID string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, frame_id, pointer, state, captured_at FROM snapshots WHERE frame_id = ? ORDER BY captured_at ASC`,
		frameID,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list snapshots").WithCause(err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap := &Snapshot{}
		var state string
		if err := rows.Scan(&snap.ID, &snap.FrameID, &snap.Pointer, &state, &snap.CapturedAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan snapshot").WithCause(err)
		}
		snap.State = json.RawMessage(state)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes snapshots of ended frames captured before the cutoff.
func (s *LibSQLStore) PruneSnapshots(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE captured_at < ?
		   AND frame_id IN (SELECT id FROM frames WHERE status IN ('completed', 'failed', 'terminated'))`,
		before,
	)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "prune snapshots").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- Event log ---

// AppendEvent appends an event with a monotonically increasing per-frame
// sequence. The single-connection pool serializes writers, so the
// read-then-insert pair inside one transaction is safe.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "begin event tx").WithCause(err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE frame_id = ?`, event.FrameID,
	).Scan(&seq)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "next event sequence").WithCause(err)
	}
	event.Sequence = seq
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (frame_id, block, event_type, payload, at, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
		event.FrameID, event.Block, event.Type, nullRaw(event.Payload), event.At, seq,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert event").WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "commit event").WithCause(err)
	}
	return nil
}

// GetEvents returns events with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, frameID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, frame_id, block, event_type, payload, at, sequence
		 FROM events WHERE frame_id = ? AND sequence > ? ORDER BY sequence ASC`,
		frameID, since,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get events").WithCause(err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.FrameID, &ev.Block, &ev.Type, &payload, &ev.At, &ev.Sequence); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan event").WithCause(err)
		}
		if payload.Valid && payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Helpers ---

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
