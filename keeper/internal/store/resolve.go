package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/anchorkeep/dbopen"
)

// ResolveRecord is the outcome of one replay attempt.
type ResolveRecord struct {
	AnchorID  string `json:"anchor_id"`
	PageID    string `json:"page_id"`
	Tier      string `json:"tier"`
	OK        bool   `json:"ok"`
	CreatedAt int64  `json:"created_at"`
}

// ResolveStats aggregates the latest outcome of every stored anchor.
type ResolveStats struct {
	Pages      int            `json:"pages"`
	Anchors    int            `json:"anchors"`
	Attempted  int            `json:"attempted"`
	Unresolved int            `json:"unresolved"`
	ByTier     map[string]int `json:"by_tier"`
}

// RecordResolve appends replay outcomes for a page. Records for pages that
// are not stored are ignored.
func (s *Store) RecordResolve(ctx context.Context, pageID string, records []ResolveRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages WHERE page_id = ?`, pageID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}
		for _, r := range records {
			ts := r.CreatedAt
			if ts == 0 {
				ts = now
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO resolve_log (anchor_id, page_id, tier, ok, created_at) VALUES (?,?,?,?,?)`,
				r.AnchorID, pageID, r.Tier, boolInt(r.OK), ts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fail("record resolve", err)
	}
	return nil
}

// LatestResolves returns the most recent outcome per anchor of a page.
func (s *Store) LatestResolves(ctx context.Context, pageID string) (map[string]ResolveRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT anchor_id, page_id, tier, ok, created_at FROM resolve_log
		WHERE id IN (SELECT MAX(id) FROM resolve_log WHERE page_id = ? GROUP BY anchor_id)`, pageID)
	if err != nil {
		return nil, fail("latest resolves", err)
	}
	defer rows.Close()

	out := make(map[string]ResolveRecord)
	for rows.Next() {
		var r ResolveRecord
		var ok int
		if err := rows.Scan(&r.AnchorID, &r.PageID, &r.Tier, &ok, &r.CreatedAt); err != nil {
			return nil, fail("latest resolves", err)
		}
		r.OK = ok != 0
		out[r.AnchorID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fail("latest resolves", err)
	}
	return out, nil
}

// Stats aggregates storage and replay figures, for one page or for all
// pages when pageID is empty. Only anchors still stored are counted.
func (s *Store) Stats(ctx context.Context, pageID string) (*ResolveStats, error) {
	st := &ResolveStats{ByTier: make(map[string]int)}

	pageFilter, args := "", []any{}
	if pageID != "" {
		pageFilter, args = " WHERE page_id = ?", []any{pageID}
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages`+pageFilter, args...).Scan(&st.Pages); err != nil {
		return nil, fail("stats", err)
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM anchors`+pageFilter, args...).Scan(&st.Anchors); err != nil {
		return nil, fail("stats", err)
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT r.tier, r.ok, COUNT(*) FROM resolve_log r
		JOIN anchors a ON a.page_id = r.page_id AND a.id = r.anchor_id
		WHERE r.id IN (SELECT MAX(id) FROM resolve_log GROUP BY page_id, anchor_id)
		AND (? = '' OR r.page_id = ?)
		GROUP BY r.tier, r.ok`, pageID, pageID)
	if err != nil {
		return nil, fail("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var ok, n int
		if err := rows.Scan(&tier, &ok, &n); err != nil {
			return nil, fail("stats", err)
		}
		st.Attempted += n
		if ok == 0 {
			st.Unresolved += n
			continue
		}
		st.ByTier[tier] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fail("stats", err)
	}
	return st, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
