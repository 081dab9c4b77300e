package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// SQLiteStore is a durable Store backed by modernc.org/sqlite (pure Go,
// no cgo — the same reason the teacher's pack reaches for it over
// mattn/go-sqlite3 anywhere durability is needed without a system C
// toolchain). Sessions and events are stored as JSON blobs; this
// runtime doesn't need relational queries over message content, only
// id-keyed CRUD plus an append log.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the schema at dsn, a
// modernc.org/sqlite data source name such as "file:agentrt.db".
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessions: open sqlite: %w", err)
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);
	`)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("sessions: decode session %s: %w", id, err)
	}
	return &session, nil
}

func (s *SQLiteStore) Put(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, session.ID, string(data))
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, id)
	return err
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event Event) error {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM session_events WHERE session_id = ?`, event.SessionID).Scan(&next)
	if err != nil {
		return err
	}
	seq := uint64(1)
	if next.Valid {
		seq = uint64(next.Int64) + 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, seq, kind, payload) VALUES (?, ?, ?, ?)
	`, event.SessionID, seq, event.Kind, string(event.Payload))
	return err
}

func (s *SQLiteStore) Events(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, payload FROM session_events WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		e.SessionID = sessionID
		var payload string
		if err := rows.Scan(&e.Seq, &e.Kind, &payload); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
