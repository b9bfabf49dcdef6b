// Package taskrepo is the durable Task Repository: a Postgres-backed store
// of tasks and their lifecycle state. Every state transition is a single
// atomic UPDATE statement; partial writes are never allowed to leave a task
// half-updated.
package taskrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cnyy99/giggle/internal/domain"
	"github.com/cnyy99/giggle/internal/taskrepo/migrations"
)

type Repository struct {
	db *sql.DB
}

func New(db *sql.DB) (*Repository, error) {
	r := &Repository{db: db}
	if err := r.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) ensureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`,
	); err != nil {
		return err
	}

	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := r.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := r.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version,
	).Scan(&exists)
	return exists, err
}

func (r *Repository) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// Insert persists a new task in PENDING with retry_count=0, returning the
// row as written (ID and timestamps included).
func (r *Repository) Insert(ctx context.Context, p domain.CreateTaskParams) (domain.Task, error) {
	now := time.Now().UTC()
	t := domain.Task{
		ID:               uuid.NewString(),
		Status:           domain.TaskPending,
		SourceLanguage:   p.SourceLanguage,
		TargetLanguages:  p.TargetLanguages,
		TextContent:      p.TextContent,
		AudioFilePath:    p.AudioFilePath,
		OriginalTextHint: p.OriginalTextHint,
		RetryCount:       0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO translation_tasks
			(id, status, audio_file_path, text_content, source_language, target_languages,
			 original_text_hint, assigned_node_id, created_at, updated_at, result_file_path,
			 error_message, retry_count, accuracy)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, string(t.Status), nullableString(t.AudioFilePath), nullableString(t.TextContent),
		t.SourceLanguage, strings.Join(t.TargetLanguages, ","), nullableString(t.OriginalTextHint),
		nil, t.CreatedAt, t.UpdatedAt, nil, nil, t.RetryCount, nil,
	)
	if err != nil {
		return domain.Task{}, fmt.Errorf("taskrepo: insert: %w", err)
	}
	return t, nil
}

// Find is a point read by task ID.
func (r *Repository) Find(ctx context.Context, id string) (domain.Task, bool, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` FROM translation_tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("taskrepo: find %s: %w", id, err)
	}
	return t, true, nil
}

// Update is a compare-and-set style update: when PreconditionStatus is
// non-empty, the write only applies if the task's current status matches
// it. It advances updated_at and writes every non-nil field in a single
// atomic UPDATE. ok is false if no row matched (not found, or precondition
// failed).
type Update struct {
	Status             domain.TaskStatus
	PreconditionStatus domain.TaskStatus

	ClearAssignedNode bool
	AssignedNodeID    *string
	ResultFilePath    *string
	ErrorMessage      *string
	RetryCount        *int
	Accuracy          *float64
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, u Update) (bool, error) {
	query, args, err := buildUpdateQuery(id, u)
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("taskrepo: update status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("taskrepo: rows affected %s: %w", id, err)
	}
	return n > 0, nil
}

// buildUpdateQuery is the pure half of UpdateStatus: given the target row's
// id and the requested Update, it produces the single parameterized UPDATE
// statement and its argument list. Split out from UpdateStatus so the
// statement shape can be checked without a database.
func buildUpdateQuery(id string, u Update) (string, []any, error) {
	if u.Status == "" {
		return "", nil, fmt.Errorf("taskrepo: update requires a status")
	}

	setClauses := []string{"status = $1", "updated_at = $2"}
	args := []any{string(u.Status), time.Now().UTC()}

	addSet := func(column string, value any) {
		args = append(args, value)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.ClearAssignedNode {
		addSet("assigned_node_id", nil)
	} else if u.AssignedNodeID != nil {
		addSet("assigned_node_id", *u.AssignedNodeID)
	}
	if u.ResultFilePath != nil {
		addSet("result_file_path", *u.ResultFilePath)
	}
	if u.ErrorMessage != nil {
		addSet("error_message", *u.ErrorMessage)
	}
	if u.RetryCount != nil {
		addSet("retry_count", *u.RetryCount)
	}
	if u.Accuracy != nil {
		addSet("accuracy", *u.Accuracy)
	}

	where := "id = $" + strconv.Itoa(len(args)+1)
	args = append(args, id)
	if u.PreconditionStatus != "" {
		where += " AND status = $" + strconv.Itoa(len(args)+1)
		args = append(args, string(u.PreconditionStatus))
	}

	query := "UPDATE translation_tasks SET " + strings.Join(setClauses, ", ") + " WHERE " + where
	return query, args, nil
}

// ListStuck returns every task in PROCESSING whose updated_at predates
// threshold.
func (r *Repository) ListStuck(ctx context.Context, threshold time.Time) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		selectColumns+` FROM translation_tasks WHERE status=$1 AND updated_at < $2`,
		string(domain.TaskProcessing), threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: list stuck: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskrepo: scan stuck task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountProcessingForNode re-counts a node's PROCESSING tasks directly from
// the repository — the authoritative figure the Node Registry's selection
// policy and the Dispatcher's handoff capacity check both rely on instead
// of the node's self-reported active_task_count.
func (r *Repository) CountProcessingForNode(ctx context.Context, nodeID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM translation_tasks WHERE assigned_node_id=$1 AND status=$2`,
		nodeID, string(domain.TaskProcessing),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("taskrepo: count processing for node %s: %w", nodeID, err)
	}
	return n, nil
}

// ListTasks applies the simple filters of spec.md §4.3: exact status and
// source-language match, substring match on target languages and text
// content. Zero-value filter fields are ignored.
func (r *Repository) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	query := selectColumns + ` FROM translation_tasks WHERE 1=1`
	var args []any

	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.SourceLanguage != "" {
		args = append(args, f.SourceLanguage)
		query += fmt.Sprintf(" AND source_language = $%d", len(args))
	}
	if f.TargetLanguageSubstring != "" {
		args = append(args, "%"+f.TargetLanguageSubstring+"%")
		query += fmt.Sprintf(" AND target_languages ILIKE $%d", len(args))
	}
	if f.TextContentSubstring != "" {
		args = append(args, "%"+f.TextContentSubstring+"%")
		query += fmt.Sprintf(" AND text_content ILIKE $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskrepo: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT id, status, audio_file_path, text_content, source_language, target_languages,
	original_text_hint, assigned_node_id, created_at, updated_at, result_file_path, error_message,
	retry_count, accuracy`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var (
		t               domain.Task
		status          string
		audioFilePath   sql.NullString
		textContent     sql.NullString
		targetLanguages string
		originalHint    sql.NullString
		assignedNodeID  sql.NullString
		resultFilePath  sql.NullString
		errorMessage    sql.NullString
		accuracy        sql.NullFloat64
	)

	if err := s.Scan(
		&t.ID, &status, &audioFilePath, &textContent, &t.SourceLanguage, &targetLanguages,
		&originalHint, &assignedNodeID, &t.CreatedAt, &t.UpdatedAt, &resultFilePath, &errorMessage,
		&t.RetryCount, &accuracy,
	); err != nil {
		return domain.Task{}, err
	}

	t.Status = domain.TaskStatus(status)
	t.AudioFilePath = audioFilePath.String
	t.TextContent = textContent.String
	t.OriginalTextHint = originalHint.String
	t.AssignedNodeID = assignedNodeID.String
	t.ResultFilePath = resultFilePath.String
	t.ErrorMessage = errorMessage.String
	if targetLanguages != "" {
		t.TargetLanguages = strings.Split(targetLanguages, ",")
	}
	if accuracy.Valid {
		v := accuracy.Float64
		t.Accuracy = &v
	}

	return t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
