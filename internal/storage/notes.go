package storage

import (
	"context"
	"errors"
	"strings"
)

func (d *DB) AddNote(ctx context.Context, recipient, content string) (Note, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Note{}, errors.New("note content is empty")
	}
	n := Note{Recipient: recipient, Content: content, CreatedAt: d.now().UTC()}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO notes(recipient, content, created_at) VALUES(?,?,?)`,
		n.Recipient, n.Content, FormatTime(n.CreatedAt))
	if err != nil {
		return Note{}, err
	}
	n.ID, err = res.LastInsertId()
	return n, err
}

// RecentNotes returns up to limit notes, newest first. An empty recipient
// lists notes of every recipient.
func (d *DB) RecentNotes(ctx context.Context, recipient string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 5
	}
	q := `SELECT id, recipient, content, created_at FROM notes`
	args := []any{}
	if recipient != "" {
		q += ` WHERE recipient = ?`
		args = append(args, recipient)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var (
			n       Note
			created string
		)
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Content, &created); err != nil {
			return nil, err
		}
		n.CreatedAt, _ = ParseTime(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (d *DB) AppendChat(ctx context.Context, e ChatEntry) error {
	if e.At.IsZero() {
		e.At = d.now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO chat_history(recipient, role, content, at) VALUES(?,?,?,?)`,
		e.Recipient, e.Role, e.Content, FormatTime(e.At))
	return err
}

// RecentChat returns the last limit entries for recipient in chronological order.
func (d *DB) RecentChat(ctx context.Context, recipient string, limit int) ([]ChatEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT recipient, role, content, at FROM chat_history WHERE recipient = ? ORDER BY id DESC LIMIT ?`,
		recipient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatEntry
	for rows.Next() {
		var (
			e  ChatEntry
			at string
		)
		if err := rows.Scan(&e.Recipient, &e.Role, &e.Content, &at); err != nil {
			return nil, err
		}
		e.At, _ = ParseTime(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
