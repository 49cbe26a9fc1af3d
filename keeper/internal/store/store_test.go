package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/anchorkeep/anchor"
	"github.com/hazyhaar/anchorkeep/dbopen"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mkAnchor(id, text string) *anchor.Anchor {
	return &anchor.Anchor{
		ID:            id,
		Text:          text,
		ContainerPath: "/html[1]/body[1]/p[1]",
		StartOffset:   4,
		EndOffset:     4 + len(text),
		BeforeContext: "The ",
		AfterContext:  " end",
		CreatedAt:     1700000000000,
	}
}

func TestAnchorsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	page := NormalizeURL("https://example.com/post/")

	a := mkAnchor("hl_1", "quick")
	a.Comment = "note"
	a.Tags = []string{"x", "y"}
	b := mkAnchor("hl_2", "brown")
	if err := s.SaveAnchors(ctx, page, "https://example.com/post/", []*anchor.Anchor{a, b}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LoadAnchors(ctx, page)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("load: got %d anchors, want 2", len(got))
	}
	if got[0].ID != "hl_1" || got[1].ID != "hl_2" {
		t.Errorf("order: got %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].Text != "quick" || got[0].ContainerPath != a.ContainerPath || got[0].StartOffset != 4 || got[0].EndOffset != 9 {
		t.Errorf("fields: got %+v", got[0])
	}
	if got[0].BeforeContext != "The " || got[0].AfterContext != " end" || got[0].CreatedAt != 1700000000000 {
		t.Errorf("context: got %+v", got[0])
	}
	if got[0].Comment != "note" || len(got[0].Tags) != 2 {
		t.Errorf("comment/tags: got %q %v", got[0].Comment, got[0].Tags)
	}
	if got[1].Tags != nil {
		t.Errorf("empty tags should load as nil, got %v", got[1].Tags)
	}
}

func TestLoadAnchors_UnknownPage(t *testing.T) {
	s := testStore(t)
	got, err := s.LoadAnchors(context.Background(), "https://nowhere.example")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("got %v, want empty slice", got)
	}
}

func TestSaveAnchors_LastWriteWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	page := "https://example.com/a"

	s.SaveAnchors(ctx, page, page, []*anchor.Anchor{mkAnchor("hl_1", "one"), mkAnchor("hl_2", "two")})
	if err := s.SaveAnchors(ctx, page, page, []*anchor.Anchor{mkAnchor("hl_3", "three")}); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, _ := s.LoadAnchors(ctx, page)
	if len(got) != 1 || got[0].ID != "hl_3" {
		t.Fatalf("got %v, want only hl_3", got)
	}

	if err := s.SaveAnchors(ctx, page, page, nil); err != nil {
		t.Fatalf("empty save: %v", err)
	}
	pages, _ := s.ListAllPages(ctx)
	if len(pages) != 0 {
		t.Fatalf("empty save should remove the page, got %d pages", len(pages))
	}
}

func TestSameAnchorIDOnTwoPages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.SaveAnchors(ctx, "p1", "", []*anchor.Anchor{mkAnchor("hl_1", "a")}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAnchors(ctx, "p2", "", []*anchor.Anchor{mkAnchor("hl_1", "b")}); err != nil {
		t.Fatalf("same id on another page: %v", err)
	}
}

func TestAppendAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	page := "https://example.com/b"

	for _, id := range []string{"hl_1", "hl_2", "hl_3"} {
		if err := s.AppendAnchor(ctx, page, page, mkAnchor(id, "t")); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	found, err := s.DeleteAnchor(ctx, page, "hl_2")
	if err != nil || !found {
		t.Fatalf("delete: (%v, %v)", found, err)
	}
	if err := s.AppendAnchor(ctx, page, page, mkAnchor("hl_4", "t")); err != nil {
		t.Fatal(err)
	}
	got, _ := s.LoadAnchors(ctx, page)
	var ids []string
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	if len(ids) != 3 || ids[0] != "hl_1" || ids[1] != "hl_3" || ids[2] != "hl_4" {
		t.Fatalf("order after append/delete: got %v", ids)
	}

	found, err = s.DeleteAnchor(ctx, page, "missing")
	if err != nil || found {
		t.Fatalf("delete missing: (%v, %v)", found, err)
	}

	for _, id := range []string{"hl_1", "hl_3", "hl_4"} {
		s.DeleteAnchor(ctx, page, id)
	}
	pages, _ := s.ListAllPages(ctx)
	if len(pages) != 0 {
		t.Fatalf("page should go away with its last anchor, got %v", pages)
	}
}

func TestDeleteAnchor_DropsResolveLog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	page := "https://example.com/r"
	for _, id := range []string{"hl_1", "hl_2"} {
		if err := s.AppendAnchor(ctx, page, page, mkAnchor(id, "t")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordResolve(ctx, page, []ResolveRecord{
		{AnchorID: "hl_1", Tier: "exact", OK: true},
		{AnchorID: "hl_2", Tier: "nearest", OK: true},
	}); err != nil {
		t.Fatal(err)
	}

	if found, err := s.DeleteAnchor(ctx, page, "hl_1"); err != nil || !found {
		t.Fatalf("delete: (%v, %v)", found, err)
	}
	latest, err := s.LatestResolves(ctx, page)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := latest["hl_1"]; ok || len(latest) != 1 {
		t.Fatalf("outcomes of the deleted anchor remain: %+v", latest)
	}
}

func TestUpdateAnchor(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.AppendAnchor(ctx, "p", "", mkAnchor("hl_1", "t"))

	got, err := s.UpdateAnchor(ctx, "p", "hl_1", "hello", []string{"a"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got == nil || got.Comment != "hello" || len(got.Tags) != 1 || got.Text != "t" {
		t.Fatalf("update: got %+v", got)
	}
	got, err = s.UpdateAnchor(ctx, "p", "nope", "x", nil)
	if err != nil || got != nil {
		t.Fatalf("update missing: (%v, %v)", got, err)
	}
	if a, _ := s.GetAnchor(ctx, "p", "nope"); a != nil {
		t.Fatal("get missing should be nil")
	}
}

func TestListAllPagesAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveAnchors(ctx, "p1", "https://one.example/", []*anchor.Anchor{mkAnchor("a", "t"), mkAnchor("b", "t")})
	s.SaveAnchors(ctx, "p2", "https://two.example/", []*anchor.Anchor{mkAnchor("c", "t")})

	pages, err := s.ListAllPages(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("list: got %d pages, want 2", len(pages))
	}
	counts := map[string]int{}
	for _, p := range pages {
		counts[p.ID] = p.Anchors
	}
	if counts["p1"] != 2 || counts["p2"] != 1 {
		t.Errorf("counts: got %v", counts)
	}

	n, _ := s.CountAnchors(ctx, "")
	if n != 3 {
		t.Errorf("count all: got %d, want 3", n)
	}

	found, err := s.DeletePage(ctx, "p1")
	if err != nil || !found {
		t.Fatalf("delete page: (%v, %v)", found, err)
	}
	if n, _ := s.CountAnchors(ctx, "p1"); n != 0 {
		t.Errorf("anchors should cascade, got %d", n)
	}
	if found, _ := s.DeletePage(ctx, "p1"); found {
		t.Error("second delete should report not found")
	}
}

func TestResolveLogAndStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveAnchors(ctx, "p", "", []*anchor.Anchor{mkAnchor("a", "t"), mkAnchor("b", "t"), mkAnchor("c", "t")})

	if err := s.RecordResolve(ctx, "p", []ResolveRecord{
		{AnchorID: "a", Tier: "exact", OK: true},
		{AnchorID: "b", Tier: "", OK: false},
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	// b resolves on the second replay; only the latest outcome counts.
	s.RecordResolve(ctx, "p", []ResolveRecord{{AnchorID: "b", Tier: "nearest", OK: true}, {AnchorID: "c", OK: false}})

	latest, err := s.LatestResolves(ctx, "p")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest["b"].OK || latest["b"].Tier != "nearest" {
		t.Errorf("latest b: got %+v", latest["b"])
	}

	st, err := s.Stats(ctx, "p")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Pages != 1 || st.Anchors != 3 || st.Attempted != 3 || st.Unresolved != 1 {
		t.Errorf("stats: got %+v", st)
	}
	if st.ByTier["exact"] != 1 || st.ByTier["nearest"] != 1 {
		t.Errorf("by tier: got %v", st.ByTier)
	}

	// Removed anchors drop out of the figures.
	s.DeleteAnchor(ctx, "p", "a")
	st, _ = s.Stats(ctx, "")
	if st.Anchors != 2 || st.ByTier["exact"] != 0 {
		t.Errorf("after delete: got %+v", st)
	}

	if err := s.RecordResolve(ctx, "unknown", []ResolveRecord{{AnchorID: "z", OK: true}}); err != nil {
		t.Errorf("record for unknown page: %v", err)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "anchors.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.AppendAnchor(context.Background(), "p", "", mkAnchor("a", "t")); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	s := testStore(t)
	s.Close()
	if _, err := s.LoadAnchors(context.Background(), "p"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://example.com/post/", "https://example.com/post"},
		{"https://Example.COM/post#section", "https://example.com/post"},
		{"https://example.com/", "https://example.com"},
		{"https://example.com/search?q=go&p=2#top", "https://example.com/search?q=go&p=2"},
		{"http://localhost:8080/a/b/", "http://localhost:8080/a/b"},
		{"https://example.com:443/x", "https://example.com/x"},
		{"http://example.com:80/x", "http://example.com/x"},
		{"http://example.com:443/x", "http://example.com:443/x"},
		{"HTTPS://Example.com:443/", "https://example.com"},
		{"not a url", "not a url"},
		{"about:blank", "about:blank"},
	}
	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
