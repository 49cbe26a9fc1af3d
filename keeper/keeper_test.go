package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/anchorkeep/anchor"
	"github.com/hazyhaar/anchorkeep/dbopen"
	"github.com/hazyhaar/anchorkeep/idgen"
	"github.com/hazyhaar/anchorkeep/keeper/internal/store"
	"github.com/hazyhaar/anchorkeep/mark"

	"golang.org/x/net/html"

	_ "modernc.org/sqlite"
)

const (
	testURL  = "https://example.com/article#top"
	testPage = `<html><head><title>t</title></head><body><p>The quick brown fox jumps over the lazy dog.</p><p>Second paragraph here.</p></body></html>`
)

// testKeeper creates a Keeper backed by an in-memory SQLite database, with
// sequential ids and a fixed clock.
func testKeeper(t *testing.T) *Keeper {
	t.Helper()
	s, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	k, err := newKeeper(&Config{}, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("keeper: %v", err)
	}
	t.Cleanup(func() { k.audit.Close() })
	k.capturer.NewID = idgen.Sequence("hl_")
	k.capturer.Now = func() time.Time { return time.UnixMilli(1700000000000) }
	return k
}

func testPageOf(t *testing.T, src string) *Page {
	t.Helper()
	p, err := ParsePage(testURL, strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return p
}

func saveText(t *testing.T, k *Keeper, p *Page, text string) *anchor.Anchor {
	t.Helper()
	sel, err := p.SelectText(text, 0)
	if err != nil {
		t.Fatalf("select %q: %v", text, err)
	}
	a, err := k.Save(context.Background(), p, sel, "", nil)
	if err != nil {
		t.Fatalf("save %q: %v", text, err)
	}
	if a == nil {
		t.Fatalf("save %q: no anchor", text)
	}
	return a
}

func markerCount(p *Page) int {
	n := 0
	p.Do(func(doc *html.Node) error {
		n = len(mark.IDs(doc))
		return nil
	})
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSave_WrapsAndStores(t *testing.T) {
	k := testKeeper(t)
	ctx := context.Background()
	p := testPageOf(t, testPage)

	sel, err := p.SelectText("quick brown fox", 0)
	if err != nil {
		t.Fatal(err)
	}
	a, err := k.Save(ctx, p, sel, "<b>my</b> note", []string{" x ", "x", ""})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if a.ID != "hl_1" || a.Text != "quick brown fox" || a.StartOffset != 4 || a.EndOffset != 19 {
		t.Fatalf("anchor: %+v", a)
	}
	if a.ContainerPath != "/html[1]/body[1]/p[1]" {
		t.Fatalf("path: %q", a.ContainerPath)
	}
	if a.Comment != "my note" {
		t.Fatalf("comment not sanitized: %q", a.Comment)
	}
	if len(a.Tags) != 1 || a.Tags[0] != "x" {
		t.Fatalf("tags: %v", a.Tags)
	}

	out := p.HTML()
	if !strings.Contains(out, `The <mark class="anchorkeep-mark" data-anchor-id="hl_1">quick brown fox</mark> jumps`) {
		t.Fatalf("marker missing: %s", out)
	}
	if !strings.Contains(out, `id="`+mark.StyleID+`"`) {
		t.Fatalf("stylesheet missing: %s", out)
	}

	stored, err := k.Anchors(ctx, "https://EXAMPLE.com/article/")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].ID != "hl_1" {
		t.Fatalf("stored: %+v", stored)
	}
}

func TestSave_EmptySelection(t *testing.T) {
	k := testKeeper(t)
	p := testPageOf(t, testPage)
	sel, _ := p.SelectText("quick", 0)
	sel.End = sel.Start

	a, err := k.Save(context.Background(), p, sel, "", nil)
	if err != nil || a != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", a, err)
	}
	if n, _ := k.store.CountAnchors(context.Background(), ""); n != 0 {
		t.Fatalf("stored %d anchors", n)
	}
}

func TestRestore_FreshPage(t *testing.T) {
	k := testKeeper(t)
	ctx := context.Background()
	saveText(t, k, testPageOf(t, testPage), "lazy dog")

	p := testPageOf(t, testPage)
	report, err := k.Restore(ctx, p)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if report.Materialized != 1 || len(report.Results) != 1 {
		t.Fatalf("report: %+v", report)
	}
	if r := report.Results[0]; r.Tier != "exact" || r.Status != StatusMaterialized {
		t.Fatalf("result: %+v", r)
	}
	if !strings.Contains(p.HTML(), `data-anchor-id="hl_1">lazy dog</mark>`) {
		t.Fatalf("marker missing: %s", p.HTML())
	}

	again, err := k.Restore(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if again.Already != 1 || again.Materialized != 0 {
		t.Fatalf("second restore: %+v", again)
	}
	if markerCount(p) != 1 {
		t.Fatalf("markers duplicated: %s", p.HTML())
	}
}

func TestRestore_ChangedContent(t *testing.T) {
	k := testKeeper(t)
	saveText(t, k, testPageOf(t, testPage), "quick brown fox")

	changed := strings.Replace(testPage, "<p>The quick", "<p>Breaking: The quick", 1)
	out, report, err := k.Render(context.Background(), testURL, changed)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if report.Materialized != 1 || report.Results[0].Tier != "context" {
		t.Fatalf("report: %+v", report)
	}
	if !strings.Contains(out, `Breaking: The <mark class="anchorkeep-mark" data-anchor-id="hl_1">quick brown fox</mark>`) {
		t.Fatalf("render: %s", out)
	}
}

func TestRestore_IsolatesFailures(t *testing.T) {
	k := testKeeper(t)
	ctx := context.Background()
	if _, err := k.Add(ctx, testURL, &anchor.Anchor{
		ID: "hl_gone", Text: "missing words", ContainerPath: "/html[1]/body[1]/p[1]",
		StartOffset: 0, EndOffset: 13,
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	saveText(t, k, testPageOf(t, testPage), "Second")

	p := testPageOf(t, testPage)
	report, err := k.Restore(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if report.Unresolved != 1 || report.Materialized != 1 {
		t.Fatalf("report: %+v", report)
	}
	if report.Results[0].AnchorID != "hl_gone" || report.Results[0].Status != StatusUnresolved {
		t.Fatalf("results out of order: %+v", report.Results)
	}

	st, err := k.Stats(ctx, testURL)
	if err != nil {
		t.Fatal(err)
	}
	if st.Anchors != 2 || st.Attempted != 2 || st.Unresolved != 1 || st.ByTier["exact"] != 1 {
		t.Fatalf("stats: %+v", st)
	}
	latest, err := k.Resolves(ctx, testURL)
	if err != nil {
		t.Fatal(err)
	}
	if latest["hl_gone"].OK || latest["hl_gone"].Tier != "none" {
		t.Fatalf("latest: %+v", latest["hl_gone"])
	}
}

func TestRemove(t *testing.T) {
	k := testKeeper(t)
	ctx := context.Background()
	p := testPageOf(t, testPage)
	a := saveText(t, k, p, "brown fox")

	if err := k.Remove(ctx, p, a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if markerCount(p) != 0 {
		t.Fatalf("marker left: %s", p.HTML())
	}
	if !strings.Contains(p.HTML(), "<p>The quick brown fox jumps over the lazy dog.</p>") {
		t.Fatalf("text not restored: %s", p.HTML())
	}
	if got, _ := k.Anchors(ctx, testURL); len(got) != 0 {
		t.Fatalf("anchors left: %+v", got)
	}
	if err := k.Remove(ctx, p, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: got %v, want ErrNotFound", err)
	}
}

func TestRemove_KeepsMarkerWhenStorageFails(t *testing.T) {
	k := testKeeper(t)
	p := testPageOf(t, testPage)
	a := saveText(t, k, p, "brown fox")

	k.store.DB.Close()
	if err := k.Remove(context.Background(), p, a.ID); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
	if markerCount(p) != 1 {
		t.Fatalf("marker removed before storage confirmed: %s", p.HTML())
	}
}

func TestRemoveAt(t *testing.T) {
	k := testKeeper(t)
	ctx := context.Background()
	p := testPageOf(t, testPage)
	a := saveText(t, k, p, "lazy dog")

	var inside, outside *html.Node
	p.Do(func(doc *html.Node) error {
		inside = mark.Find(doc, a.ID).FirstChild
		outside = mark.Find(doc, a.ID).PrevSibling
		return nil
	})

	id, err := k.RemoveAt(ctx, p, outside)
	if err != nil || id != "" {
		t.Fatalf("outside marker: got (%q, %v)", id, err)
	}
	id, err = k.RemoveAt(ctx, p, inside)
	if err != nil || id != a.ID {
		t.Fatalf("inside marker: got (%q, %v)", id, err)
	}
	if markerCount(p) != 0 {
		t.Fatalf("marker left: %s", p.HTML())
	}
}

func TestUpdate(t *testing.T) {
	k := testKeeper(t)
	ctx := context.Background()
	a := saveText(t, k, testPageOf(t, testPage), "lazy dog")

	got, err := k.Update(ctx, testURL, a.ID, `<script>x()</script>fine`, []string{"b", "a", "b"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Comment != "fine" || len(got.Tags) != 2 || got.Tags[0] != "b" {
		t.Fatalf("updated: %+v", got)
	}
	if got.Text != a.Text || got.StartOffset != a.StartOffset {
		t.Fatalf("position changed: %+v", got)
	}
	got, err = k.Update(ctx, testURL, a.ID, "Tom & Jerry, x < y <b>bold</b>", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Comment != "Tom & Jerry, x < y bold" {
		t.Fatalf("comment stored escaped: %q", got.Comment)
	}
	stored, _ := k.Anchors(ctx, testURL)
	if stored[0].Comment != got.Comment {
		t.Fatalf("stored comment: %q", stored[0].Comment)
	}
	if _, err := k.Update(ctx, testURL, "hl_nope", "", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v", err)
	}
	if _, err := k.Update(ctx, "", a.ID, "", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing url: got %v", err)
	}
}

func TestAdd_Validates(t *testing.T) {
	k := testKeeper(t)
	ctx := context.Background()
	_, err := k.Add(ctx, testURL, &anchor.Anchor{ID: "bad", Text: "abc", StartOffset: 0, EndOffset: 5})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}

	a, err := k.Add(ctx, testURL, &anchor.Anchor{Text: "abc", StartOffset: 2, EndOffset: 5})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if a.ID != "hl_1" || a.CreatedAt != 1700000000000 {
		t.Fatalf("defaults not filled: %+v", a)
	}
}

func TestClear(t *testing.T) {
	k := testKeeper(t)
	ctx := context.Background()
	p := testPageOf(t, testPage)
	saveText(t, k, p, "quick")
	saveText(t, k, p, "lazy")

	msgs, cancel := k.Bus().Subscribe(8)
	defer cancel()

	if err := k.Clear(ctx, testURL); err != nil {
		t.Fatalf("clear: %v", err)
	}
	pages, _ := k.Pages(ctx)
	if len(pages) != 0 {
		t.Fatalf("pages left: %+v", pages)
	}
	for i := 0; i < 2; i++ {
		if m := <-msgs; m.Action != "anchor_removed" {
			t.Fatalf("notification %d: %s", i, m.Action)
		}
	}
	if err := k.Clear(ctx, testURL); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second clear: got %v", err)
	}
}

func TestAttach_FollowsOtherSurfaces(t *testing.T) {
	k := testKeeper(t)
	ctx, cancel := context.WithCancel(context.Background())
	p := testPageOf(t, testPage)
	done := k.Attach(ctx, p)
	defer func() {
		cancel()
		<-done
	}()

	// Added elsewhere: the attached page replays it.
	if _, err := k.Add(ctx, testURL, &anchor.Anchor{
		ID: "hl_ext", Text: "Second paragraph", ContainerPath: "/html[1]/body[1]/p[2]",
		StartOffset: 0, EndOffset: 16,
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return markerCount(p) == 1 })

	// Removed elsewhere: the attached page drops the marker.
	if err := k.Delete(ctx, testURL, "hl_ext"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return markerCount(p) == 0 })

	// Other pages are ignored.
	if _, err := k.Add(ctx, "https://other.example/", &anchor.Anchor{
		ID: "hl_other", Text: "Second", StartOffset: 0, EndOffset: 6,
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if markerCount(p) != 0 {
		t.Fatalf("foreign anchor applied: %s", p.HTML())
	}
}

func TestCapture_Excerpt(t *testing.T) {
	k := testKeeper(t)
	a, p, err := k.Capture(context.Background(), testURL,
		`<p>Some <b>bold</b> words here.</p>`, "bold words", 0, "", nil)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if a.Text != "bold words" {
		t.Fatalf("text: %q", a.Text)
	}
	md, err := k.Excerpt(p, a.ID)
	if err != nil {
		t.Fatalf("excerpt: %v", err)
	}
	if !strings.Contains(md, "**bold**") || !strings.Contains(md, "words") {
		t.Fatalf("excerpt: %q", md)
	}
	if _, err := k.Excerpt(p, "hl_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown marker: got %v", err)
	}
}

func TestCapture_Occurrence(t *testing.T) {
	k := testKeeper(t)
	_, _, err := k.Capture(context.Background(), testURL, testPage, "the", 5, "", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	a, _, err := k.Capture(context.Background(), testURL, testPage, "the", 0, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.StartOffset != 31 {
		t.Fatalf("start: %d", a.StartOffset)
	}
}

func TestExportMarkdown(t *testing.T) {
	k := testKeeper(t)
	ctx := context.Background()
	p := testPageOf(t, testPage)
	sel, _ := p.SelectText("quick brown fox", 0)
	if _, err := k.Save(ctx, p, sel, "R&D note", []string{"animals"}); err != nil {
		t.Fatal(err)
	}

	md, err := k.ExportMarkdown(ctx, testURL)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, want := range []string{"> quick brown fox", "R&D note", "animals"} {
		if !strings.Contains(md, want) {
			t.Errorf("export missing %q:\n%s", want, md)
		}
	}
	if _, err := k.ExportMarkdown(ctx, "https://empty.example/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty page: got %v", err)
	}
}

func TestLocate(t *testing.T) {
	k := testKeeper(t)
	a := &anchor.Anchor{
		ID: "x", Text: "lazy dog", ContainerPath: "/html[1]/body[1]/p[1]",
		StartOffset: 35, EndOffset: 43, BeforeContext: "over the ", AfterContext: ".",
	}
	loc, err := k.Locate(testPage, a)
	if err != nil {
		t.Fatal(err)
	}
	if !loc.Found || loc.Tier != "exact" || loc.Text != "lazy dog" || loc.Start != 35 {
		t.Fatalf("location: %+v", loc)
	}

	loc, err = k.Locate(`<p>nothing here</p>`, a)
	if err != nil {
		t.Fatal(err)
	}
	if loc.Found || loc.Tier != "none" {
		t.Fatalf("location: %+v", loc)
	}
	if _, err := k.Locate(testPage, &anchor.Anchor{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty anchor: got %v", err)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"context mode": func(c *Config) { c.Capture.ContextMode = "sideways" },
		"id style":     func(c *Config) { c.Capture.IDStyle = "serial" },
		"synchronous":  func(c *Config) { c.Store.Synchronous = "sometimes" },
	} {
		cfg := &Config{DBPath: t.TempDir() + "/a.db"}
		mutate(cfg)
		if _, err := New(cfg, nil); err == nil {
			t.Errorf("%s: expected config error", name)
		}
	}
}

func TestNew_StoreAndIDSettings(t *testing.T) {
	cfg := &Config{DBPath: t.TempDir() + "/a.db"}
	cfg.Store.BusyTimeoutMs = 2500
	cfg.Store.Synchronous = "full"
	cfg.Capture.IDStyle = "extension"
	k, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	var busy, sync int
	if err := k.store.DB.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if err := k.store.DB.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatal(err)
	}
	if busy != 2500 || sync != 2 {
		t.Fatalf("pragmas: busy_timeout=%d synchronous=%d, want 2500 and 2 (FULL)", busy, sync)
	}

	k.capturer.Now = func() time.Time { return time.UnixMilli(1700000000000) }
	a := saveText(t, k, testPageOf(t, testPage), "quick")
	if !strings.HasPrefix(a.ID, "hl_1700000000000_") {
		t.Fatalf("id: %q", a.ID)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := t.TempDir() + "/anchorkeep.yaml"
	data := "db_path: /tmp/x.db\ncapture:\n  context_len: 30\n  context_mode: selection\nhttp:\n  addr: :9000\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.defaults()
	if cfg.DBPath != "/tmp/x.db" || cfg.Capture.ContextLen != 30 || cfg.Capture.ContextMode != "selection" {
		t.Fatalf("config: %+v", cfg)
	}
	if cfg.HTTP.Addr != ":9000" || cfg.Capture.PartialContextLen != anchor.DefaultPartialContextLen {
		t.Fatalf("config: %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
}

func TestNew_AuditDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{DBPath: t.TempDir() + "/a.db"}
	cfg.Audit.Disabled = true
	cfg.Audit.Retention = time.Hour
	k, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	if _, err := k.AuditLog(ctx, "", "", 0); !errors.Is(err, ErrInvalid) {
		t.Fatalf("audit log: got %v, want ErrInvalid", err)
	}
	if n, err := k.PruneAudit(ctx); n != 0 || err != nil {
		t.Fatalf("prune: got (%d, %v)", n, err)
	}
}
