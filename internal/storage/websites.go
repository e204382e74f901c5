package storage

import (
	"context"
	"database/sql"
	"errors"
)

// GetWebsite returns the stored state for url or ErrNotFound.
func (d *DB) GetWebsite(ctx context.Context, url string) (Website, error) {
	var (
		w       Website
		checked string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT url, content_hash, last_content, last_checked FROM websites WHERE url = ?`, url).
		Scan(&w.URL, &w.ContentHash, &w.LastContent, &checked)
	if errors.Is(err, sql.ErrNoRows) {
		return Website{}, ErrNotFound
	}
	if err != nil {
		return Website{}, err
	}
	w.LastChecked, _ = ParseTime(checked)
	return w, nil
}

// PutWebsite inserts or replaces the state for w.URL.
func (d *DB) PutWebsite(ctx context.Context, w Website) error {
	if w.LastChecked.IsZero() {
		w.LastChecked = d.now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO websites(url, content_hash, last_content, last_checked) VALUES(?,?,?,?)
		 ON CONFLICT(url) DO UPDATE SET content_hash = excluded.content_hash,
		     last_content = excluded.last_content, last_checked = excluded.last_checked`,
		w.URL, w.ContentHash, w.LastContent, FormatTime(w.LastChecked))
	return err
}

// TouchWebsite records a check that found no change.
func (d *DB) TouchWebsite(ctx context.Context, url string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE websites SET last_checked = ? WHERE url = ?`, FormatTime(d.now()), url)
	return err
}
