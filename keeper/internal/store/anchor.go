package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/hazyhaar/anchorkeep/anchor"
	"github.com/hazyhaar/anchorkeep/dbopen"
)

// Page summarises one page that carries anchors.
type Page struct {
	ID        string `json:"page_id"`
	URL       string `json:"url"`
	Anchors   int    `json:"anchors"`
	UpdatedAt int64  `json:"updated_at"`
}

const anchorColumns = `id, text, xpath, start_offset, end_offset, before_context, after_context, comment, tags, created_at`

// LoadAnchors returns the anchors of a page in insertion order. A page
// without anchors yields an empty slice.
func (s *Store) LoadAnchors(ctx context.Context, pageID string) ([]*anchor.Anchor, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+anchorColumns+` FROM anchors WHERE page_id = ? ORDER BY position ASC`, pageID)
	if err != nil {
		return nil, fail("load anchors", err)
	}
	defer rows.Close()

	out := []*anchor.Anchor{}
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, fail("load anchors", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("load anchors", err)
	}
	return out, nil
}

// GetAnchor returns one anchor of a page, or nil.
func (s *Store) GetAnchor(ctx context.Context, pageID, id string) (*anchor.Anchor, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+anchorColumns+` FROM anchors WHERE page_id = ? AND id = ?`, pageID, id)
	a, err := scanAnchor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail("get anchor", err)
	}
	return a, nil
}

// SaveAnchors replaces the anchor list of a page. An empty list removes the
// page altogether.
func (s *Store) SaveAnchors(ctx context.Context, pageID, pageURL string, anchors []*anchor.Anchor) error {
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if len(anchors) == 0 {
			_, err := deletePage(ctx, tx, pageID)
			return err
		}
		if err := touchPage(ctx, tx, pageID, pageURL); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM anchors WHERE page_id = ?`, pageID); err != nil {
			return err
		}
		for i, a := range anchors {
			if err := insertAnchor(ctx, tx, pageID, i, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fail("save anchors", err)
	}
	return nil
}

// AppendAnchor adds a to the end of a page's list.
func (s *Store) AppendAnchor(ctx context.Context, pageID, pageURL string, a *anchor.Anchor) error {
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if err := touchPage(ctx, tx, pageID, pageURL); err != nil {
			return err
		}
		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), -1) + 1 FROM anchors WHERE page_id = ?`, pageID).Scan(&next); err != nil {
			return err
		}
		return insertAnchor(ctx, tx, pageID, next, a)
	})
	if err != nil {
		return fail("append anchor", err)
	}
	return nil
}

// DeleteAnchor removes one anchor. The page goes away with its last anchor.
// It reports whether the anchor existed.
func (s *Store) DeleteAnchor(ctx context.Context, pageID, id string) (bool, error) {
	var found bool
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM anchors WHERE page_id = ? AND id = ?`, pageID, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		found = n > 0
		if !found {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM resolve_log WHERE page_id = ? AND anchor_id = ?`, pageID, id); err != nil {
			return err
		}
		var left int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM anchors WHERE page_id = ?`, pageID).Scan(&left); err != nil {
			return err
		}
		if left == 0 {
			_, err = deletePage(ctx, tx, pageID)
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE pages SET updated_at = ? WHERE page_id = ?`, time.Now().UnixMilli(), pageID)
		return err
	})
	if err != nil {
		return false, fail("delete anchor", err)
	}
	return found, nil
}

// UpdateAnchor rewrites the mutable fields of an anchor. It returns the
// updated anchor, or nil when it does not exist.
func (s *Store) UpdateAnchor(ctx context.Context, pageID, id, comment string, tags []string) (*anchor.Anchor, error) {
	if tags == nil {
		tags = []string{}
	}
	tj, _ := json.Marshal(tags)
	res, err := s.DB.ExecContext(ctx,
		`UPDATE anchors SET comment = ?, tags = ? WHERE page_id = ? AND id = ?`,
		comment, string(tj), pageID, id)
	if err != nil {
		return nil, fail("update anchor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if _, err := s.DB.ExecContext(ctx, `UPDATE pages SET updated_at = ? WHERE page_id = ?`, time.Now().UnixMilli(), pageID); err != nil {
		return nil, fail("update anchor", err)
	}
	return s.GetAnchor(ctx, pageID, id)
}

// ListAllPages returns every page carrying anchors, most recently changed
// first.
func (s *Store) ListAllPages(ctx context.Context) ([]*Page, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT p.page_id, p.page_url, p.updated_at, COUNT(a.id)
		FROM pages p JOIN anchors a ON a.page_id = p.page_id
		GROUP BY p.page_id
		ORDER BY p.updated_at DESC, p.page_id ASC`)
	if err != nil {
		return nil, fail("list pages", err)
	}
	defer rows.Close()

	out := []*Page{}
	for rows.Next() {
		p := &Page{}
		if err := rows.Scan(&p.ID, &p.URL, &p.UpdatedAt, &p.Anchors); err != nil {
			return nil, fail("list pages", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("list pages", err)
	}
	return out, nil
}

// DeletePage removes a page with its anchors and resolve log. It reports
// whether the page existed.
func (s *Store) DeletePage(ctx context.Context, pageID string) (bool, error) {
	var found bool
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var err error
		found, err = deletePage(ctx, tx, pageID)
		return err
	})
	if err != nil {
		return false, fail("delete page", err)
	}
	return found, nil
}

// CountAnchors returns the number of anchors stored for a page, or for all
// pages when pageID is empty.
func (s *Store) CountAnchors(ctx context.Context, pageID string) (int, error) {
	var n int
	var err error
	if pageID == "" {
		err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM anchors`).Scan(&n)
	} else {
		err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM anchors WHERE page_id = ?`, pageID).Scan(&n)
	}
	if err != nil {
		return 0, fail("count anchors", err)
	}
	return n, nil
}

// deletePage does not rely on ON DELETE CASCADE: foreign_keys is a
// per-connection pragma and pooled connections may not carry it.
func deletePage(ctx context.Context, tx *sql.Tx, pageID string) (bool, error) {
	for _, q := range []string{
		`DELETE FROM resolve_log WHERE page_id = ?`,
		`DELETE FROM anchors WHERE page_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, pageID); err != nil {
			return false, err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE page_id = ?`, pageID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func touchPage(ctx context.Context, tx *sql.Tx, pageID, pageURL string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pages (page_id, page_url, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(page_id) DO UPDATE SET
			page_url = CASE WHEN excluded.page_url != '' THEN excluded.page_url ELSE pages.page_url END,
			updated_at = excluded.updated_at`,
		pageID, pageURL, time.Now().UnixMilli())
	return err
}

func insertAnchor(ctx context.Context, tx *sql.Tx, pageID string, position int, a *anchor.Anchor) error {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	tj, _ := json.Marshal(tags)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO anchors
			(id, page_id, position, text, xpath, start_offset, end_offset,
			 before_context, after_context, comment, tags, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, pageID, position, a.Text, a.ContainerPath, a.StartOffset, a.EndOffset,
		a.BeforeContext, a.AfterContext, a.Comment, string(tj), a.CreatedAt,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnchor(sc scanner) (*anchor.Anchor, error) {
	a := &anchor.Anchor{}
	var tags string
	if err := sc.Scan(&a.ID, &a.Text, &a.ContainerPath, &a.StartOffset, &a.EndOffset,
		&a.BeforeContext, &a.AfterContext, &a.Comment, &tags, &a.CreatedAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(tags), &a.Tags)
	if len(a.Tags) == 0 {
		a.Tags = nil
	}
	return a, nil
}
