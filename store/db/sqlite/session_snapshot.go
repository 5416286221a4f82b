package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hrygo/sessioncache/store"
)

func (d *DB) UpsertSessionSnapshot(ctx context.Context, upsert *store.SessionSnapshot) error {
	fields := []string{"session_key", "data", "expires_ts", "updated_ts"}
	args := []any{upsert.Key, upsert.Data, upsert.ExpiresTs, upsert.UpdatedTs}
	stmt := `INSERT INTO session_snapshot (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		ON CONFLICT (session_key) DO UPDATE SET
			data = excluded.data,
			expires_ts = excluded.expires_ts,
			updated_ts = excluded.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to upsert session_snapshot: %w", err)
	}
	return nil
}

func (d *DB) GetSessionSnapshot(ctx context.Context, key string) (*store.SessionSnapshot, error) {
	s := &store.SessionSnapshot{}
	err := d.db.QueryRowContext(ctx,
		`SELECT session_key, data, expires_ts, updated_ts FROM session_snapshot WHERE session_key = `+placeholder(1), key,
	).Scan(&s.Key, &s.Data, &s.ExpiresTs, &s.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session_snapshot: %w", err)
	}
	return s, nil
}

func (d *DB) ListSessionSnapshots(ctx context.Context, find *store.FindSessionSnapshot) ([]*store.SessionSnapshot, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.Key != nil {
		where, args = append(where, "session_key = "+placeholder(len(args)+1)), append(args, *find.Key)
	}
	if find.ExpiresBefore != nil {
		where, args = append(where, "expires_ts < "+placeholder(len(args)+1)), append(args, *find.ExpiresBefore)
	}

	query := `SELECT session_key, data, expires_ts, updated_ts FROM session_snapshot WHERE ` + strings.Join(where, " AND ") + ` ORDER BY session_key ASC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list session_snapshots: %w", err)
	}
	defer rows.Close()

	list := make([]*store.SessionSnapshot, 0)
	for rows.Next() {
		s := &store.SessionSnapshot{}
		if err := rows.Scan(&s.Key, &s.Data, &s.ExpiresTs, &s.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan session_snapshot: %w", err)
		}
		list = append(list, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session_snapshots: %w", err)
	}

	return list, nil
}

func (d *DB) DeleteSessionSnapshot(ctx context.Context, delete *store.DeleteSessionSnapshot) (int, error) {
	where, args := []string{}, []any{}

	if delete.Key != nil {
		where, args = append(where, "session_key = "+placeholder(len(args)+1)), append(args, *delete.Key)
	}
	if delete.ExpiresBefore != nil {
		where, args = append(where, "expires_ts < "+placeholder(len(args)+1)), append(args, *delete.ExpiresBefore)
	}
	if len(where) == 0 {
		return 0, fmt.Errorf("refusing to delete session_snapshots without a filter")
	}

	result, err := d.db.ExecContext(ctx, `DELETE FROM session_snapshot WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete session_snapshot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted session_snapshots: %w", err)
	}
	return int(n), nil
}
