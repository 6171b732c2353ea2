// Package store is the durable state store: a SQLite database holding work
// items, tasks, vote results, and the append-only run log. It is the single
// source of truth across pipeline cycles and process restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/specq-dev/specq/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS work_items (
    id TEXT PRIMARY KEY,
    change_dir TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    risk TEXT NOT NULL DEFAULT 'medium',
    priority INTEGER DEFAULT 0,
    deps TEXT DEFAULT '[]',
    retry_count INTEGER DEFAULT 0,
    max_retries INTEGER DEFAULT 3,
    compiled_brief TEXT DEFAULT '',
    brief_hash TEXT DEFAULT '',
    error_message TEXT DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT NOT NULL,
    work_item_id TEXT NOT NULL REFERENCES work_items(id),
    ordinal INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    files_changed TEXT DEFAULT '[]',
    commit_hash TEXT DEFAULT '',
    execution_output TEXT DEFAULT '',
    turns_used INTEGER DEFAULT 0,
    tokens_in INTEGER DEFAULT 0,
    tokens_out INTEGER DEFAULT 0,
    duration_sec REAL DEFAULT 0.0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (work_item_id, id)
);

CREATE TABLE IF NOT EXISTS vote_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    work_item_id TEXT NOT NULL REFERENCES work_items(id),
    attempt INTEGER NOT NULL,
    voter TEXT NOT NULL,
    verdict TEXT NOT NULL,
    confidence REAL,
    findings TEXT DEFAULT '[]',
    summary TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    work_item_id TEXT NOT NULL,
    event TEXT NOT NULL,
    detail TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);
CREATE INDEX IF NOT EXISTS idx_tasks_work_item ON tasks(work_item_id);
CREATE INDEX IF NOT EXISTS idx_votes_work_item ON vote_results(work_item_id, attempt);
CREATE INDEX IF NOT EXISTS idx_run_log_work_item ON run_log(work_item_id);
`

// Store wraps the SQLite connection. All writes serialize through it.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path. File databases get
// write-ahead logging; ":memory:" is supported for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One connection: in-memory databases are per-connection, and a single
	// writer avoids SQLITE_BUSY on the file backend.
	db.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// UpsertWorkItem inserts or updates a work item, stamping timestamps.
func (s *Store) UpsertWorkItem(wi *model.WorkItem) error {
	now := nowUTC()
	if wi.CreatedAt == "" {
		wi.CreatedAt = now
	}
	wi.UpdatedAt = now
	deps, err := json.Marshal(emptyIfNil(wi.Deps))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO work_items
        (id, change_dir, title, description, status, risk, priority,
         deps, retry_count, max_retries, compiled_brief, error_message,
         created_at, updated_at)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
          change_dir=excluded.change_dir,
          title=excluded.title,
          description=excluded.description,
          status=excluded.status,
          risk=excluded.risk,
          priority=excluded.priority,
          deps=excluded.deps,
          retry_count=excluded.retry_count,
          max_retries=excluded.max_retries,
          compiled_brief=excluded.compiled_brief,
          error_message=excluded.error_message,
          updated_at=excluded.updated_at`,
		wi.ID, wi.ChangeDir, wi.Title, wi.Description, string(wi.Status), wi.Risk, wi.Priority,
		string(deps), wi.RetryCount, wi.MaxRetries, wi.CompiledBrief, wi.ErrorMessage,
		wi.CreatedAt, wi.UpdatedAt)
	return err
}

// GetWorkItem returns the stored item, or nil when unknown.
func (s *Store) GetWorkItem(id string) (*model.WorkItem, error) {
	row := s.db.QueryRow(`SELECT id, change_dir, title, description, status, risk,
        priority, deps, retry_count, max_retries, compiled_brief, error_message,
        created_at, updated_at FROM work_items WHERE id = ?`, id)
	wi, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wi, err
}

// ListWorkItems returns all items ordered by id.
func (s *Store) ListWorkItems() ([]*model.WorkItem, error) {
	rows, err := s.db.Query(`SELECT id, change_dir, title, description, status, risk,
        priority, deps, retry_count, max_retries, compiled_brief, error_message,
        created_at, updated_at FROM work_items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*model.WorkItem
	for rows.Next() {
		wi, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, wi)
	}
	return items, rows.Err()
}

// ListByStatus returns items in the given status ordered by id.
func (s *Store) ListByStatus(status model.Status) ([]*model.WorkItem, error) {
	rows, err := s.db.Query(`SELECT id, change_dir, title, description, status, risk,
        priority, deps, retry_count, max_retries, compiled_brief, error_message,
        created_at, updated_at FROM work_items WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*model.WorkItem
	for rows.Next() {
		wi, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, wi)
	}
	return items, rows.Err()
}

func (s *Store) UpdateStatus(id string, status model.Status) error {
	_, err := s.db.Exec(`UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowUTC(), id)
	return err
}

func (s *Store) UpdateRetryCount(id string, count int) error {
	_, err := s.db.Exec(`UPDATE work_items SET retry_count = ?, updated_at = ? WHERE id = ?`,
		count, nowUTC(), id)
	return err
}

// UpdateCompiledBrief stores the latest brief and its content fingerprint.
func (s *Store) UpdateCompiledBrief(id, brief, hash string) error {
	_, err := s.db.Exec(`UPDATE work_items SET compiled_brief = ?, brief_hash = ?, updated_at = ? WHERE id = ?`,
		brief, hash, nowUTC(), id)
	return err
}

func (s *Store) UpdateErrorMessage(id, msg string) error {
	_, err := s.db.Exec(`UPDATE work_items SET error_message = ?, updated_at = ? WHERE id = ?`,
		msg, nowUTC(), id)
	return err
}

// UpsertTask inserts or updates a task keyed by (work item id, task id).
func (s *Store) UpsertTask(workItemID string, task *model.TaskItem) error {
	now := nowUTC()
	files, err := json.Marshal(emptyIfNil(task.FilesChanged))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO tasks
        (id, work_item_id, ordinal, title, description, status, files_changed, commit_hash,
         execution_output, turns_used, tokens_in, tokens_out, duration_sec,
         created_at, updated_at)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(work_item_id, id) DO UPDATE SET
          ordinal=excluded.ordinal,
          title=excluded.title,
          description=excluded.description,
          status=excluded.status,
          files_changed=excluded.files_changed,
          commit_hash=excluded.commit_hash,
          execution_output=excluded.execution_output,
          turns_used=excluded.turns_used,
          tokens_in=excluded.tokens_in,
          tokens_out=excluded.tokens_out,
          duration_sec=excluded.duration_sec,
          updated_at=excluded.updated_at`,
		task.ID, workItemID, task.Ordinal, task.Title, task.Description, string(task.Status),
		string(files), task.CommitHash, task.ExecutionOutput,
		task.TurnsUsed, task.TokensIn, task.TokensOut, task.DurationSec,
		now, now)
	return err
}

// GetTasks returns the stored tasks for a work item in tasks.md source
// order (the persisted ordinal).
func (s *Store) GetTasks(workItemID string) ([]model.TaskItem, error) {
	rows, err := s.db.Query(`SELECT id, ordinal, title, description, status, files_changed,
        commit_hash, execution_output, turns_used, tokens_in, tokens_out, duration_sec
        FROM tasks WHERE work_item_id = ? ORDER BY ordinal, id`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []model.TaskItem
	for rows.Next() {
		var t model.TaskItem
		var status, files string
		if err := rows.Scan(&t.ID, &t.Ordinal, &t.Title, &t.Description, &status, &files,
			&t.CommitHash, &t.ExecutionOutput, &t.TurnsUsed, &t.TokensIn,
			&t.TokensOut, &t.DurationSec); err != nil {
			return nil, err
		}
		t.Status = model.Status(status)
		t.FilesChanged = unmarshalStrings(files)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SaveVoteResults appends all results for one attempt in a single transaction.
func (s *Store) SaveVoteResults(workItemID string, attempt int, results []model.VoteResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	now := nowUTC()
	for _, vr := range results {
		findings, err := json.Marshal(emptyFindingsIfNil(vr.Findings))
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO vote_results
            (work_item_id, attempt, voter, verdict, confidence, findings, summary, created_at)
            VALUES (?,?,?,?,?,?,?,?)`,
			workItemID, attempt, vr.Voter, vr.Verdict, vr.Confidence,
			string(findings), vr.Summary, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetVoteResults returns the results for one attempt in insertion order.
func (s *Store) GetVoteResults(workItemID string, attempt int) ([]model.VoteResult, error) {
	rows, err := s.db.Query(`SELECT voter, verdict, confidence, findings, summary
        FROM vote_results WHERE work_item_id = ? AND attempt = ? ORDER BY id`,
		workItemID, attempt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.VoteResult
	for rows.Next() {
		var vr model.VoteResult
		var findings string
		if err := rows.Scan(&vr.Voter, &vr.Verdict, &vr.Confidence, &findings, &vr.Summary); err != nil {
			return nil, err
		}
		if findings != "" {
			_ = json.Unmarshal([]byte(findings), &vr.Findings)
		}
		results = append(results, vr)
	}
	return results, rows.Err()
}

// LogEntry is one row of the append-only run log.
type LogEntry struct {
	Event     string
	Detail    map[string]any
	CreatedAt string
}

// LogEvent appends an event to the run log.
func (s *Store) LogEvent(workItemID, event string, detail map[string]any) error {
	var detailJSON any
	if len(detail) > 0 {
		raw, err := json.Marshal(detail)
		if err != nil {
			return err
		}
		detailJSON = string(raw)
	}
	_, err := s.db.Exec(`INSERT INTO run_log (work_item_id, event, detail, created_at)
        VALUES (?,?,?,?)`, workItemID, event, detailJSON, nowUTC())
	return err
}

// GetLogs returns the run log for a work item in append order.
func (s *Store) GetLogs(workItemID string) ([]LogEntry, error) {
	rows, err := s.db.Query(`SELECT event, detail, created_at FROM run_log
        WHERE work_item_id = ? ORDER BY id`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var detail sql.NullString
		if err := rows.Scan(&e.Event, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid && detail.String != "" {
			_ = json.Unmarshal([]byte(detail.String), &e.Detail)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*model.WorkItem, error) {
	var wi model.WorkItem
	var status, deps string
	err := row.Scan(&wi.ID, &wi.ChangeDir, &wi.Title, &wi.Description, &status, &wi.Risk,
		&wi.Priority, &deps, &wi.RetryCount, &wi.MaxRetries, &wi.CompiledBrief,
		&wi.ErrorMessage, &wi.CreatedAt, &wi.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wi.Status = model.Status(status)
	wi.Deps = unmarshalStrings(deps)
	return &wi, nil
}

func unmarshalStrings(raw string) []string {
	out := []string{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	return out
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyFindingsIfNil(f []model.Finding) []model.Finding {
	if f == nil {
		return []model.Finding{}
	}
	return f
}
