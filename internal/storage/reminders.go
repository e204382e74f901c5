package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "opsagent/pkg/logx"
)

const reminderCols = `id, recipient, content, due_at, status, interval_seconds, created_at`

// InsertReminder stores a pending reminder and returns it with its id.
func (d *DB) InsertReminder(ctx context.Context, r Reminder) (Reminder, error) {
	if strings.TrimSpace(r.Recipient) == "" {
		return Reminder{}, errors.New("reminder recipient is required")
	}
	if r.IntervalSeconds < 0 {
		return Reminder{}, fmt.Errorf("interval_seconds must be >= 0, got %d", r.IntervalSeconds)
	}
	if r.DueAt.IsZero() {
		return Reminder{}, errors.New("reminder due time is required")
	}
	r.Status = StatusPending
	r.DueAt = r.DueAt.UTC()
	r.CreatedAt = d.now().UTC()

	res, err := d.db.ExecContext(ctx,
		`INSERT INTO reminders(recipient, content, due_at, status, interval_seconds, created_at) VALUES(?,?,?,?,?,?)`,
		r.Recipient, r.Content, FormatTime(r.DueAt), string(r.Status), r.IntervalSeconds, FormatTime(r.CreatedAt),
	)
	if err != nil {
		return Reminder{}, err
	}
	r.ID, err = res.LastInsertId()
	return r, err
}

// DueReminders returns pending reminders due at or before now, ordered by due time then id.
// Rows whose stored due time is not canonical come back separately as CorruptRow.
func (d *DB) DueReminders(ctx context.Context, now time.Time) ([]Reminder, []CorruptRow, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE status = 'pending' AND (due_at <= ? OR due_at NOT GLOB '`+canonicalGlob+`')
		 ORDER BY due_at, id`,
		FormatTime(now),
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		due     []Reminder
		corrupt []CorruptRow
	)
	for rows.Next() {
		r, raw, err := scanReminder(rows)
		if err != nil {
			if errors.Is(err, ErrCorruptTime) {
				corrupt = append(corrupt, CorruptRow{Table: "reminders", ID: r.ID, Raw: raw, Err: err})
				continue
			}
			return nil, nil, err
		}
		if r.DueAt.After(now) {
			continue
		}
		due = append(due, r)
	}
	return due, corrupt, rows.Err()
}

// PendingReminders lists a recipient's pending reminders with due time in [from, to),
// ordered by due time then id. Zero bounds are open. Corrupt rows are skipped.
func (d *DB) PendingReminders(ctx context.Context, recipient string, from, to time.Time) ([]Reminder, error) {
	q := `SELECT ` + reminderCols + ` FROM reminders WHERE recipient = ? AND status = 'pending'`
	args := []any{recipient}
	if !from.IsZero() {
		q += ` AND due_at >= ?`
		args = append(args, FormatTime(from))
	}
	if !to.IsZero() {
		q += ` AND due_at < ?`
		args = append(args, FormatTime(to))
	}
	q += ` ORDER BY due_at, id`

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, raw, err := scanReminder(rows)
		if err != nil {
			if errors.Is(err, ErrCorruptTime) {
				d.log.Warn("skipping reminder with corrupt due time", logx.Int64("id", r.ID), logx.String("raw", raw))
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReminder loads one reminder by id.
func (d *DB) GetReminder(ctx context.Context, id int64) (Reminder, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, _, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	return r, err
}

// MarkReminderSent transitions a pending reminder to sent.
func (d *DB) MarkReminderSent(ctx context.Context, id int64) error {
	return d.expectOne(d.db.ExecContext(ctx,
		`UPDATE reminders SET status = 'sent' WHERE id = ? AND status = 'pending'`, id))
}

// RescheduleReminder moves a pending reminder's due time.
func (d *DB) RescheduleReminder(ctx context.Context, id int64, dueAt time.Time) error {
	return d.expectOne(d.db.ExecContext(ctx,
		`UPDATE reminders SET due_at = ? WHERE id = ? AND status = 'pending'`, FormatTime(dueAt), id))
}

// DeletePendingReminders deletes every pending reminder of recipient.
func (d *DB) DeletePendingReminders(ctx context.Context, recipient string) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE recipient = ? AND status = 'pending'`, recipient)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteRemindersMatching deletes the recipient's pending reminders whose content
// contains substr (case-insensitive), or whose id equals id when id > 0.
// It returns the deleted reminders.
func (d *DB) DeleteRemindersMatching(ctx context.Context, recipient, substr string, id int64) ([]Reminder, error) {
	var deleted []Reminder
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+reminderCols+` FROM reminders
			 WHERE recipient = ? AND status = 'pending'
			   AND (instr(lower(content), lower(?)) > 0 OR id = ?)
			 ORDER BY id`,
			recipient, substr, id,
		)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			r, _, err := scanReminder(rows)
			if err != nil && !errors.Is(err, ErrCorruptTime) {
				rows.Close()
				return err
			}
			deleted = append(deleted, r)
			ids = append(ids, r.ID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, rid := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, rid); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanReminder returns the raw due string alongside a CorruptRow-compatible error.
func scanReminder(s rowScanner) (Reminder, string, error) {
	var (
		r               Reminder
		dueRaw, created string
		status          string
	)
	if err := s.Scan(&r.ID, &r.Recipient, &r.Content, &dueRaw, &status, &r.IntervalSeconds, &created); err != nil {
		return Reminder{}, "", err
	}
	r.Status = ReminderStatus(status)
	if t, err := ParseTime(created); err == nil {
		r.CreatedAt = t
	}
	due, err := ParseTime(dueRaw)
	if err != nil {
		return r, dueRaw, err
	}
	r.DueAt = due
	return r, dueRaw, nil
}

func (d *DB) expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
