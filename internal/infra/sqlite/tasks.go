package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tutu-network/ocrd/internal/domain"
)

var _ domain.TaskStore = (*DB)(nil)

// ─── Task Repository ────────────────────────────────────────────────────────

// CreateTask inserts a new task record.
func (d *DB) CreateTask(task domain.Task) error {
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	files, err := encodeFiles(task.OutputFiles)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`INSERT INTO tasks (id, status, result_dir, progress, output_files, error_message,
			input_path, file_type, prompt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Status), task.ResultDirectory, task.Progress, files,
		nullStr(task.ErrorMessage), task.InputPath, string(task.FileType), task.Prompt,
		task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return fmt.Errorf("%w: %s", domain.ErrTaskExists, task.ID)
	}
	return err
}

// UpdateTask merges patch into the stored record inside one transaction.
func (d *DB) UpdateTask(id string, patch domain.TaskPatch) (domain.Task, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	cur, err := scanTask(tx.QueryRow(selectTask+` WHERE id = ?`, id))
	if err != nil {
		return domain.Task{}, d.notFound(id, err)
	}

	next, err := cur.Apply(patch, time.Now())
	if err != nil {
		return domain.Task{}, err
	}

	files, err := encodeFiles(next.OutputFiles)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = tx.Exec(
		`UPDATE tasks SET status=?, result_dir=?, progress=?, output_files=?,
			error_message=?, updated_at=? WHERE id = ?`,
		string(next.Status), next.ResultDirectory, next.Progress, files,
		nullStr(next.ErrorMessage), next.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

// GetTask retrieves a task by ID.
func (d *DB) GetTask(id string) (*domain.Task, error) {
	t, err := scanTask(d.rdb.QueryRow(selectTask+` WHERE id = ?`, id))
	if err != nil {
		return nil, d.notFound(id, err)
	}
	return t, nil
}

// ListTasks returns recent tasks, newest first.
func (d *DB) ListTasks(limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.rdb.Query(selectTask+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			// A corrupt row is skipped, not fatal for the listing.
			d.log.Warnf("Skipping unreadable task row: %v", err)
			continue
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// notFound folds missing and corrupt rows into ErrTaskNotFound.
func (d *DB) notFound(id string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	case errors.Is(err, domain.ErrCorruptRecord):
		d.log.WithField("task-id", id).Warnf("Treating corrupt record as missing: %v", err)
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	default:
		return err
	}
}

const selectTask = `SELECT id, status, result_dir, progress, output_files, error_message,
	input_path, file_type, prompt, created_at, updated_at FROM tasks`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var status, fileType string
	var files, errMsg sql.NullString
	var created, updated int64

	err := s.Scan(&t.ID, &status, &t.ResultDirectory, &t.Progress, &files, &errMsg,
		&t.InputPath, &fileType, &t.Prompt, &created, &updated)
	if err != nil {
		return nil, err
	}

	t.Status = domain.TaskStatus(status)
	if !t.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrCorruptRecord, status)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return nil, fmt.Errorf("%w: progress %d out of range", domain.ErrCorruptRecord, t.Progress)
	}
	t.FileType = domain.FileType(fileType)
	t.CreatedAt = time.Unix(0, created)
	t.UpdatedAt = time.Unix(0, updated)
	if errMsg.Valid {
		t.ErrorMessage = errMsg.String
	}
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &t.OutputFiles); err != nil {
			return nil, fmt.Errorf("%w: output files: %v", domain.ErrCorruptRecord, err)
		}
	}
	return &t, nil
}

func encodeFiles(files []string) (sql.NullString, error) {
	if files == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(files)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
