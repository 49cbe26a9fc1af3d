package anchor

import (
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/anchorkeep/dom"
)

func captureFox(t *testing.T) *Anchor {
	t.Helper()
	doc := mustParse(t, "<p>"+fox+"</p>")
	a, err := testCapturer().Capture(textRange(element(t, doc, "p").FirstChild, 10, 19))
	if err != nil || a == nil {
		t.Fatalf("capture: (%v, %v)", a, err)
	}
	return a
}

func TestResolve_RoundTrip(t *testing.T) {
	doc := mustParse(t, `<div id="x"><p>one</p><p>Hello <b>big</b> wide world</p></div>`)
	p := element(t, doc, "b").Parent
	sel := dom.Range{
		Start: dom.Boundary{Node: p.FirstChild, Offset: 1},
		End:   dom.Boundary{Node: p.LastChild, Offset: 5},
	}
	a, err := testCapturer().Capture(sel)
	if err != nil || a == nil {
		t.Fatalf("capture: (%v, %v)", a, err)
	}

	var r Resolver
	res, ok := r.Resolve(doc, a)
	if !ok {
		t.Fatal("resolve failed on unchanged document")
	}
	if res.Tier != TierExact {
		t.Errorf("tier: got %v, want exact", res.Tier)
	}
	if res.Range != sel {
		t.Errorf("range: got %+v, want %+v", res.Range, sel)
	}
	if res.Range.Text() != a.Text {
		t.Errorf("text: got %q, want %q", res.Range.Text(), a.Text)
	}
}

func TestResolve_BrownFoxUnchanged(t *testing.T) {
	a := captureFox(t)
	doc := mustParse(t, "<p>"+fox+"</p>")
	p := element(t, doc, "p")

	var r Resolver
	res, ok := r.Resolve(doc, a)
	if !ok {
		t.Fatal("resolve failed")
	}
	want := textRange(p.FirstChild, 10, 19)
	if res.Tier != TierExact || res.Range != want {
		t.Fatalf("got tier %v range %+v, want exact %+v", res.Tier, res.Range, want)
	}
}

func TestResolve_BrownFoxShifted(t *testing.T) {
	a := captureFox(t)
	doc := mustParse(t, "<p>Yesterday, the quick brown fox jumps over the lazy dog</p>")

	var r Resolver
	res, ok := r.Resolve(doc, a)
	if !ok {
		t.Fatal("resolve failed after shift")
	}
	if res.Start != 21 {
		t.Errorf("start: got %d, want 21", res.Start)
	}
	if got := res.Range.Text(); got != "brown fox" {
		t.Errorf("text: got %q", got)
	}
	// "the quick " no longer matches the captured "The quick " literally,
	// so the match comes from the occurrence search.
	if res.Tier != TierNearest {
		t.Errorf("tier: got %v, want nearest", res.Tier)
	}
}

func TestResolve_ContextTier(t *testing.T) {
	a := captureFox(t)
	doc := mustParse(t, "<p>Breaking: "+fox+"</p>")

	var r Resolver
	res, ok := r.Resolve(doc, a)
	if !ok {
		t.Fatal("resolve failed")
	}
	if res.Tier != TierContext {
		t.Errorf("tier: got %v, want context", res.Tier)
	}
	if res.Start != 20 || res.Range.Text() != "brown fox" {
		t.Errorf("got start %d text %q, want 20 %q", res.Start, res.Range.Text(), "brown fox")
	}
}

func TestResolve_PartialContextTier(t *testing.T) {
	nearBefore := "leading words here: "
	nearAfter := " trailing text here."
	a := &Anchor{
		ID:            "hl_p",
		Text:          "target",
		ContainerPath: "/html[1]/body[1]/p[1]",
		StartOffset:   50,
		EndOffset:     56,
		BeforeContext: strings.Repeat("x", 30) + nearBefore,
		AfterContext:  nearAfter + strings.Repeat("y", 30),
	}
	// The far ends of both contexts changed; the 20 characters next to the
	// text did not.
	body := strings.Repeat("z", 40) + nearBefore + "target" + nearAfter + strings.Repeat("w", 30) + " target"
	doc := mustParse(t, "<p>"+body+"</p>")

	var r Resolver
	res, ok := r.Resolve(doc, a)
	if !ok {
		t.Fatal("resolve failed")
	}
	if res.Tier != TierPartialContext {
		t.Errorf("tier: got %v, want partial_context", res.Tier)
	}
	if res.Start != 60 {
		t.Errorf("start: got %d, want 60", res.Start)
	}
}

func TestResolve_NearestTieBreak(t *testing.T) {
	text := strings.Repeat("a", 10) + "needle" + strings.Repeat("b", 184) + "needle" + "ccccc"
	if strings.Index(text, "needle") != 10 || strings.LastIndex(text, "needle") != 200 {
		t.Fatal("fixture positions are off")
	}
	doc := mustParse(t, "<p>"+text+"</p>")
	a := &Anchor{
		ID: "hl_n", Text: "needle", ContainerPath: "/html[1]/body[1]/p[1]",
		StartOffset: 12, EndOffset: 18, BeforeContext: "gone", AfterContext: "also gone",
	}

	var r Resolver
	res, ok := r.Resolve(doc, a)
	if !ok {
		t.Fatal("resolve failed")
	}
	if res.Tier != TierNearest || res.Start != 10 {
		t.Fatalf("got tier %v start %d, want nearest 10", res.Tier, res.Start)
	}
}

func TestResolve_EquidistantPicksEarlier(t *testing.T) {
	doc := mustParse(t, "<p>xy"+strings.Repeat("-", 18)+"xy</p>")
	a := &Anchor{ID: "hl_e", Text: "xy", ContainerPath: "/html[1]/body[1]/p[1]", StartOffset: 10, EndOffset: 12, BeforeContext: "?"}

	var r Resolver
	res, ok := r.Resolve(doc, a)
	if !ok || res.Start != 0 {
		t.Fatalf("got (%+v, %v), want start 0", res, ok)
	}
}

func TestResolve_OverlappingOccurrences(t *testing.T) {
	doc := mustParse(t, "<p>aaaa</p>")
	a := &Anchor{ID: "hl_o", Text: "aa", ContainerPath: "/html[1]/body[1]/p[1]", StartOffset: 2, EndOffset: 4, BeforeContext: "q"}
	// Offsets still match exactly.
	var r Resolver
	if res, ok := r.Resolve(doc, a); !ok || res.Tier != TierExact {
		t.Fatalf("got (%+v, %v), want exact", res, ok)
	}
	a.StartOffset, a.EndOffset = 1, 3
	doc = mustParse(t, "<p>baaab</p>")
	res, ok := r.Resolve(doc, a)
	if !ok {
		t.Fatal("resolve failed")
	}
	if res.Tier != TierExact || res.Start != 1 {
		t.Fatalf("got tier %v start %d", res.Tier, res.Start)
	}
	a.StartOffset, a.EndOffset = 3, 5
	res, ok = r.Resolve(doc, a)
	if !ok || res.Tier != TierNearest || res.Start != 2 {
		t.Fatalf("overlapping: got (%+v, %v), want nearest at 2", res, ok)
	}
}

func TestResolve_FailureLeavesDocument(t *testing.T) {
	doc := mustParse(t, "<p>"+fox+"</p>")
	before := dom.Render(doc)
	a := &Anchor{ID: "hl_f", Text: "purple cat", ContainerPath: "/html[1]/body[1]/p[1]", StartOffset: 0, EndOffset: 10}

	var r Resolver
	res, ok := r.Resolve(doc, a)
	if ok || res != nil {
		t.Fatalf("got (%+v, %v), want (nil, false)", res, ok)
	}
	if after := dom.Render(doc); after != before {
		t.Fatalf("document changed:\n%s\n%s", before, after)
	}
}

func TestResolve_MissingContainerFallsBackToBody(t *testing.T) {
	a := captureFox(t)
	a.ContainerPath = "/html[1]/body[1]/section[3]/p[1]"
	doc := mustParse(t, "<div><span>intro</span></div><p>"+fox+"</p>")

	var r Resolver
	res, ok := r.Resolve(doc, a)
	if !ok {
		t.Fatal("resolve failed")
	}
	if res.Container != dom.Body(doc) {
		t.Errorf("container: got <%s>, want <body>", res.Container.Data)
	}
	if res.Tier != TierContext || res.Range.Text() != "brown fox" {
		t.Errorf("got tier %v text %q", res.Tier, res.Range.Text())
	}
}

func TestResolve_MalformedPath(t *testing.T) {
	a := captureFox(t)
	a.ContainerPath = "/html[1]/body[0"
	doc := mustParse(t, "<p>"+fox+"</p>")

	var r Resolver
	res, ok := r.Resolve(doc, a)
	if !ok || res.Range.Text() != "brown fox" {
		t.Fatalf("got (%+v, %v)", res, ok)
	}
}

func TestRangeAt(t *testing.T) {
	doc := mustParse(t, "<p>ab<b>cd</b>ef</p>")
	p := element(t, doc, "p")
	ab, cd, ef := p.FirstChild, p.FirstChild.NextSibling.FirstChild, p.LastChild

	tests := []struct {
		start, end int
		want       dom.Range
	}{
		{0, 2, dom.Range{Start: dom.Boundary{Node: ab, Offset: 0}, End: dom.Boundary{Node: ab, Offset: 2}}},
		{2, 4, dom.Range{Start: dom.Boundary{Node: cd, Offset: 0}, End: dom.Boundary{Node: cd, Offset: 2}}},
		{1, 5, dom.Range{Start: dom.Boundary{Node: ab, Offset: 1}, End: dom.Boundary{Node: ef, Offset: 1}}},
	}
	for _, tt := range tests {
		got, ok := RangeAt(p, tt.start, tt.end)
		if !ok || got != tt.want {
			t.Errorf("RangeAt(%d, %d): got (%+v, %v), want %+v", tt.start, tt.end, got, ok, tt.want)
		}
	}
	if _, ok := RangeAt(p, 4, 7); ok {
		t.Error("RangeAt past the end should fail")
	}
	if _, ok := RangeAt(p, 3, 3); ok {
		t.Error("empty span should fail")
	}
}

func TestRuneIndex(t *testing.T) {
	s := "héllo wörld, wörld"
	if got := runeIndex(s, "wörld", 0); got != 6 {
		t.Errorf("first: got %d, want 6", got)
	}
	if got := runeIndex(s, "wörld", 7); got != 13 {
		t.Errorf("from 7: got %d, want 13", got)
	}
	if got := runeIndex(s, "wörld", 14); got != -1 {
		t.Errorf("from 14: got %d, want -1", got)
	}
}

func TestNearest(t *testing.T) {
	cases := []struct {
		full, text string
		target     int
		want       int
	}{
		{"héllo wörld, wörld", "wörld", 0, 6},
		{"héllo wörld, wörld", "wörld", 12, 13},
		{"aaaa", "aa", 3, 2},
		{"xy--xy", "xy", 2, 0},
		{"abc", "zz", 1, -1},
		{"abc", "", 1, -1},
	}
	for _, c := range cases {
		if got := nearest(c.full, c.text, c.target); got != c.want {
			t.Errorf("nearest(%q, %q, %d): got %d, want %d", c.full, c.text, c.target, got, c.want)
		}
	}
}

func TestResolve_NearestScalesLinearly(t *testing.T) {
	body := strings.Repeat("ab ", 80000)
	doc := mustParse(t, "<p>"+body+"</p>")
	// The target sits past the end so every occurrence is visited.
	a := &Anchor{
		ID: "hl_big", Text: "a", ContainerPath: "/html[1]/body[1]/p[1]",
		StartOffset: len(body) + 10, EndOffset: len(body) + 11, BeforeContext: "zz", AfterContext: "qq",
	}

	var r Resolver
	start := time.Now()
	res, ok := r.Resolve(doc, a)
	elapsed := time.Since(start)
	if !ok || res.Tier != TierNearest || res.Start != len(body)-3 {
		t.Fatalf("got (%+v, %v), want nearest at %d", res, ok, len(body)-3)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("nearest search over %d chars took %v", len(body), elapsed)
	}
}

func TestResolve_MultibyteOffsets(t *testing.T) {
	doc := mustParse(t, "<p>Ça déjà vu, très bien</p>")
	p := element(t, doc, "p")
	a, err := testCapturer().Capture(textRange(p.FirstChild, 3, 11))
	if err != nil || a == nil {
		t.Fatalf("capture: (%v, %v)", a, err)
	}
	if a.Text != "déjà vu," || a.StartOffset != 3 || a.EndOffset != 11 {
		t.Fatalf("got %q %d..%d", a.Text, a.StartOffset, a.EndOffset)
	}
	var r Resolver
	res, ok := r.Resolve(doc, a)
	if !ok || res.Tier != TierExact || res.Range.Text() != "déjà vu," {
		t.Fatalf("got (%+v, %v)", res, ok)
	}
}

func TestTierString(t *testing.T) {
	want := map[Tier]string{TierExact: "exact", TierContext: "context", TierPartialContext: "partial_context", TierNearest: "nearest", 0: "none"}
	for tier, s := range want {
		if tier.String() != s {
			t.Errorf("%d: got %q, want %q", int(tier), tier.String(), s)
		}
	}
}
