package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByTaskID(ctx context.Context, taskID string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SQLStore is the sqlite-backed Store.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates the store and ensures the schema exists.
func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		project_path TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

type sessionRow struct {
	ID           string    `db:"id"`
	TaskID       string    `db:"task_id"`
	Title        string    `db:"title"`
	Description  string    `db:"description"`
	ProjectPath  string    `db:"project_path"`
	Provider     string    `db:"provider"`
	Status       string    `db:"status"`
	Metadata     string    `db:"metadata"`
	MessageCount int       `db:"message_count"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *sessionRow) toSession() (*Session, error) {
	meta := map[string]string{}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &Session{
		ID:           r.ID,
		TaskID:       r.TaskID,
		Title:        r.Title,
		Description:  r.Description,
		ProjectPath:  r.ProjectPath,
		Provider:     r.Provider,
		Status:       Status(r.Status),
		Metadata:     meta,
		MessageCount: r.MessageCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func encodeMetadata(meta map[string]string) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode session metadata: %w", err)
	}
	return string(b), nil
}

func (s *SQLStore) Create(ctx context.Context, sess *Session) error {
	meta, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	query := s.db.Rebind(`
		INSERT INTO sessions (id, task_id, title, description, project_path,
			provider, status, metadata, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.TaskID, sess.Title, sess.Description, sess.ProjectPath,
		sess.Provider, string(sess.Status), meta, sess.MessageCount,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *SQLStore) GetByTaskID(ctx context.Context, taskID string) (*Session, error) {
	return s.getWhere(ctx, "task_id = ?", taskID)
}

func (s *SQLStore) getWhere(ctx context.Context, where string, arg interface{}) (*Session, error) {
	var row sessionRow
	query := s.db.Rebind("SELECT * FROM sessions WHERE " + where)
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	return row.toSession()
}

func (s *SQLStore) Update(ctx context.Context, sess *Session) error {
	meta, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	query := s.db.Rebind(`
		UPDATE sessions SET title = ?, description = ?, project_path = ?,
			provider = ?, status = ?, metadata = ?, message_count = ?,
			updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		sess.Title, sess.Description, sess.ProjectPath, sess.Provider,
		string(sess.Status), meta, sess.MessageCount, sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	query := s.db.Rebind("DELETE FROM sessions WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*Session, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM sessions ORDER BY created_at"); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*Session, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// DeleteTerminalBefore removes completed, error, and interrupted sessions
// last touched before the cutoff, returning the number removed.
func (s *SQLStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := s.db.Rebind(`
		DELETE FROM sessions
		WHERE status IN (?, ?, ?) AND updated_at < ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(StatusCompleted), string(StatusError), string(StatusInterrupted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
