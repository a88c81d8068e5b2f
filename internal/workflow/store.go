package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devflow/devflow/internal/common/sqlite"
)

// Store persists workflows.
type Store interface {
	Create(ctx context.Context, w *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	GetByTaskID(ctx context.Context, taskID string) (*Workflow, error)
	Update(ctx context.Context, w *Workflow) error
	List(ctx context.Context) ([]*Workflow, error)
}

// SQLStore is the sqlite-backed Store.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates the store and ensures the schema exists.
func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init workflow schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL UNIQUE,
		repository_id TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		working_branch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		ai_service TEXT NOT NULL DEFAULT '',
		pull_request_number INTEGER,
		pull_request_url TEXT NOT NULL DEFAULT '',
		deployment_url TEXT NOT NULL DEFAULT '',
		preview_url TEXT NOT NULL DEFAULT '',
		plan_approved INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release; upgrades existing databases.
	migrations := []struct{ column, definition string }{
		{"deployment_url", "TEXT NOT NULL DEFAULT ''"},
		{"preview_url", "TEXT NOT NULL DEFAULT ''"},
		{"metadata", "TEXT NOT NULL DEFAULT '{}'"},
	}
	for _, m := range migrations {
		if err := sqlite.EnsureColumn(s.db.DB, "workflows", m.column, m.definition); err != nil {
			return err
		}
	}
	return nil
}

type workflowRow struct {
	ID                string        `db:"id"`
	TaskID            string        `db:"task_id"`
	RepositoryID      string        `db:"repository_id"`
	BaseBranch        string        `db:"base_branch"`
	WorkingBranch     string        `db:"working_branch"`
	Status            string        `db:"status"`
	AIService         string        `db:"ai_service"`
	PullRequestNumber sql.NullInt64 `db:"pull_request_number"`
	PullRequestURL    string        `db:"pull_request_url"`
	DeploymentURL     string        `db:"deployment_url"`
	PreviewURL        string        `db:"preview_url"`
	PlanApproved      bool          `db:"plan_approved"`
	Metadata          string        `db:"metadata"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

func (r *workflowRow) toWorkflow() (*Workflow, error) {
	meta := map[string]string{}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return nil, fmt.Errorf("decode workflow metadata: %w", err)
		}
	}
	w := &Workflow{
		ID:             r.ID,
		TaskID:         r.TaskID,
		RepositoryID:   r.RepositoryID,
		BaseBranch:     r.BaseBranch,
		WorkingBranch:  r.WorkingBranch,
		Status:         Status(r.Status),
		AIService:      r.AIService,
		PullRequestURL: r.PullRequestURL,
		DeploymentURL:  r.DeploymentURL,
		PreviewURL:     r.PreviewURL,
		PlanApproved:   r.PlanApproved,
		Metadata:       meta,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.PullRequestNumber.Valid {
		n := int(r.PullRequestNumber.Int64)
		w.PullRequestNumber = &n
	}
	return w, nil
}

func (s *SQLStore) Create(ctx context.Context, w *Workflow) error {
	meta, err := json.Marshal(orEmpty(w.Metadata))
	if err != nil {
		return fmt.Errorf("encode workflow metadata: %w", err)
	}
	query := s.db.Rebind(`
		INSERT INTO workflows (id, task_id, repository_id, base_branch,
			working_branch, status, ai_service, pull_request_number,
			pull_request_url, deployment_url, preview_url, plan_approved,
			metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		w.ID, w.TaskID, w.RepositoryID, w.BaseBranch, w.WorkingBranch,
		string(w.Status), w.AIService, prNumber(w), w.PullRequestURL,
		w.DeploymentURL, w.PreviewURL, w.PlanApproved, string(meta),
		w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Workflow, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *SQLStore) GetByTaskID(ctx context.Context, taskID string) (*Workflow, error) {
	return s.getWhere(ctx, "task_id = ?", taskID)
}

func (s *SQLStore) getWhere(ctx context.Context, where string, arg interface{}) (*Workflow, error) {
	var row workflowRow
	query := s.db.Rebind("SELECT * FROM workflows WHERE " + where)
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	return row.toWorkflow()
}

func (s *SQLStore) Update(ctx context.Context, w *Workflow) error {
	meta, err := json.Marshal(orEmpty(w.Metadata))
	if err != nil {
		return fmt.Errorf("encode workflow metadata: %w", err)
	}
	query := s.db.Rebind(`
		UPDATE workflows SET repository_id = ?, base_branch = ?,
			working_branch = ?, status = ?, ai_service = ?,
			pull_request_number = ?, pull_request_url = ?,
			deployment_url = ?, preview_url = ?, plan_approved = ?,
			metadata = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		w.RepositoryID, w.BaseBranch, w.WorkingBranch, string(w.Status),
		w.AIService, prNumber(w), w.PullRequestURL, w.DeploymentURL,
		w.PreviewURL, w.PlanApproved, string(meta), w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*Workflow, error) {
	var rows []workflowRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM workflows ORDER BY created_at"); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]*Workflow, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toWorkflow()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func prNumber(w *Workflow) interface{} {
	if w.PullRequestNumber == nil {
		return nil
	}
	return *w.PullRequestNumber
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
