package store

// Schema contains the complete DDL for the anchorkeep tables.
const Schema = `
-- Pages: one row per normalised URL that carries anchors
CREATE TABLE IF NOT EXISTS pages (
    page_id    TEXT PRIMARY KEY,
    page_url   TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);

-- Anchors: the ordered anchor list of a page
CREATE TABLE IF NOT EXISTS anchors (
    id             TEXT NOT NULL,
    page_id        TEXT NOT NULL,
    position       INTEGER NOT NULL,
    text           TEXT NOT NULL,
    xpath          TEXT NOT NULL,
    start_offset   INTEGER NOT NULL,
    end_offset     INTEGER NOT NULL,
    before_context TEXT NOT NULL DEFAULT '',
    after_context  TEXT NOT NULL DEFAULT '',
    comment        TEXT NOT NULL DEFAULT '',
    tags           TEXT NOT NULL DEFAULT '[]',
    created_at     INTEGER NOT NULL,
    PRIMARY KEY (page_id, id),
    FOREIGN KEY (page_id) REFERENCES pages(page_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_anchors_page ON anchors(page_id, position);

-- Resolve log: outcome of every replay attempt, per anchor
CREATE TABLE IF NOT EXISTS resolve_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    anchor_id  TEXT NOT NULL,
    page_id    TEXT NOT NULL,
    tier       TEXT NOT NULL DEFAULT '',
    ok         INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (page_id) REFERENCES pages(page_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_resolve_log_anchor ON resolve_log(anchor_id, id);
CREATE INDEX IF NOT EXISTS idx_resolve_log_page ON resolve_log(page_id);
`
