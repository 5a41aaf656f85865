package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"groupvault/internal/types"
)

// UpsertGroups records discovered groups. Existing rows keep their first
// sighting; names and member counts are refreshed when non-empty. A name
// equal to the group id is a placeholder and never replaces a real name.
func (s *Store) UpsertGroups(ctx context.Context, groups []types.Group) error {
	if len(groups) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, g := range groups {
		if err := upsertGroupTx(ctx, tx, g); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertGroupTx(ctx context.Context, tx *sql.Tx, g types.Group) error {
	seen := g.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO groups (id, name, member_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE
				WHEN excluded.name = '' THEN groups.name
				WHEN excluded.name = excluded.id AND groups.name <> '' THEN groups.name
				ELSE excluded.name END,
			member_count = CASE WHEN excluded.member_count > 0 THEN excluded.member_count ELSE groups.member_count END,
			last_seen = MAX(groups.last_seen, excluded.last_seen)`,
		g.ID, g.Name, g.MemberCount, seen.UnixMilli(), seen.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert group %s: %w", g.ID, err)
	}
	return nil
}

// QueryGroups returns every known group ordered by name.
func (s *Store) QueryGroups(ctx context.Context) ([]types.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, member_count, last_seen FROM groups ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []types.Group
	for rows.Next() {
		var g types.Group
		var seen int64
		if err := rows.Scan(&g.ID, &g.Name, &g.MemberCount, &seen); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.LastSeen = time.UnixMilli(seen).UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

// Stats summarizes the store contents.
type Stats struct {
	Groups   int
	Messages int
	ByKind   map[types.AttachmentKind]int
	Oldest   time.Time
	Newest   time.Time
}

// Stats returns row counts and the message time range.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ByKind: make(map[types.AttachmentKind]int)}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups`).Scan(&st.Groups); err != nil {
		return st, fmt.Errorf("count groups: %w", err)
	}
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM messages`).
		Scan(&st.Messages, &oldest, &newest)
	if err != nil {
		return st, fmt.Errorf("count messages: %w", err)
	}
	if oldest.Valid {
		st.Oldest = time.UnixMilli(oldest.Int64).UTC()
		st.Newest = time.UnixMilli(newest.Int64).UTC()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM messages WHERE kind <> '' GROUP BY kind`)
	if err != nil {
		return st, fmt.Errorf("count kinds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return st, err
		}
		st.ByKind[types.AttachmentKind(kind)] = n
	}
	return st, rows.Err()
}
