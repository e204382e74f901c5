package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const workflowCols = `id, type, params, interval_seconds, next_run, created_at`

// InsertWorkflow stores a workflow. Type is stored as given; callers normalize it.
func (d *DB) InsertWorkflow(ctx context.Context, w Workflow) (Workflow, error) {
	if strings.TrimSpace(w.Type) == "" {
		return Workflow{}, errors.New("workflow type is required")
	}
	if w.IntervalSeconds < 0 {
		return Workflow{}, fmt.Errorf("interval_seconds must be >= 0, got %d", w.IntervalSeconds)
	}
	if w.NextRun.IsZero() {
		return Workflow{}, errors.New("workflow next run is required")
	}
	params := bytes.TrimSpace(w.Params)
	if len(params) == 0 {
		params = []byte("{}")
	}
	if !json.Valid(params) {
		return Workflow{}, errors.New("workflow params must be valid JSON")
	}
	w.Params = json.RawMessage(params)
	w.NextRun = w.NextRun.UTC()
	w.CreatedAt = d.now().UTC()

	res, err := d.db.ExecContext(ctx,
		`INSERT INTO workflows(type, params, interval_seconds, next_run, created_at) VALUES(?,?,?,?,?)`,
		w.Type, string(w.Params), w.IntervalSeconds, FormatTime(w.NextRun), FormatTime(w.CreatedAt),
	)
	if err != nil {
		return Workflow{}, err
	}
	w.ID, err = res.LastInsertId()
	return w, err
}

// DueWorkflows returns workflows due at or before now ordered by next run then id,
// plus rows whose stored next run is not canonical.
func (d *DB) DueWorkflows(ctx context.Context, now time.Time) ([]Workflow, []CorruptRow, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+workflowCols+` FROM workflows
		 WHERE next_run <= ? OR next_run NOT GLOB '`+canonicalGlob+`'
		 ORDER BY next_run, id`,
		FormatTime(now),
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		due     []Workflow
		corrupt []CorruptRow
	)
	for rows.Next() {
		w, raw, err := scanWorkflow(rows)
		if err != nil {
			if errors.Is(err, ErrCorruptTime) {
				corrupt = append(corrupt, CorruptRow{Table: "workflows", ID: w.ID, Raw: raw, Err: err})
				continue
			}
			return nil, nil, err
		}
		if w.NextRun.After(now) {
			continue
		}
		due = append(due, w)
	}
	return due, corrupt, rows.Err()
}

// ListWorkflows returns every workflow ordered by next run then id.
// Corrupt rows are included with a zero NextRun so operators can still cancel them.
func (d *DB) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+workflowCols+` FROM workflows ORDER BY next_run, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workflow
	for rows.Next() {
		w, _, err := scanWorkflow(rows)
		if err != nil && !errors.Is(err, ErrCorruptTime) {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CountWorkflowsByType counts workflows of typ (case-insensitive).
func (d *DB) CountWorkflowsByType(ctx context.Context, typ string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE upper(type) = upper(?)`, typ).Scan(&n)
	return n, err
}

func (d *DB) RescheduleWorkflow(ctx context.Context, id int64, next time.Time) error {
	return d.expectOne(d.db.ExecContext(ctx, `UPDATE workflows SET next_run = ? WHERE id = ?`, FormatTime(next), id))
}

func (d *DB) DeleteWorkflow(ctx context.Context, id int64) error {
	return d.expectOne(d.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id))
}

// DeleteWorkflowsByType deletes workflows whose type matches case-insensitively.
func (d *DB) DeleteWorkflowsByType(ctx context.Context, typ string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM workflows WHERE upper(type) = upper(?)`, typ)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) DeleteAllWorkflows(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM workflows`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanWorkflow(s rowScanner) (Workflow, string, error) {
	var (
		w                Workflow
		params           string
		nextRaw, created string
	)
	if err := s.Scan(&w.ID, &w.Type, &params, &w.IntervalSeconds, &nextRaw, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workflow{}, "", ErrNotFound
		}
		return Workflow{}, "", err
	}
	w.Params = json.RawMessage(params)
	if t, err := ParseTime(created); err == nil {
		w.CreatedAt = t
	}
	next, err := ParseTime(nextRaw)
	if err != nil {
		return w, nextRaw, err
	}
	w.NextRun = next
	return w, nextRaw, nil
}
