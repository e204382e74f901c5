package storage

import (
	"context"
	"database/sql"
	"time"
)

// PruneResult counts rows removed by Prune.
type PruneResult struct {
	Reminders int64
	Chat      int64
}

// Prune deletes sent reminders due before cutoff and chat history older than
// cutoff. Pending reminders, workflows and notes are never touched.
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (PruneResult, error) {
	var out PruneResult
	ts := FormatTime(cutoff)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE status = 'sent' AND due_at < ?`, ts)
		if err != nil {
			return err
		}
		out.Reminders, _ = res.RowsAffected()
		res, err = tx.ExecContext(ctx, `DELETE FROM chat_history WHERE at < ?`, ts)
		if err != nil {
			return err
		}
		out.Chat, _ = res.RowsAffected()
		return nil
	})
	return out, err
}
