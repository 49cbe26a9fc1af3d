package fetcher

import (
	"bytes"
	"strings"
)

// DefaultMinTextLen is the visible text a sufficient page carries.
const DefaultMinTextLen = 200

var shellMarkers = []string{
	"<div id=\"root\"></div>",
	"<div id=\"app\"></div>",
	"<div id=\"__next\"></div>",
	"<noscript>you need to enable javascript",
	"<noscript>enable javascript",
}

// IsSufficient reports whether html carries enough visible text to be
// anchored on as served, without running scripts. minText <= 0 means
// DefaultMinTextLen.
func IsSufficient(html []byte, minText int) bool {
	if minText <= 0 {
		minText = DefaultMinTextLen
	}
	if len(html) < 256 {
		return false
	}

	textLen, markupLen := textMarkupRatio(html)
	total := textLen + markupLen
	if total == 0 {
		return false
	}
	// Under 10% text is a client-rendered shell.
	if float64(textLen)/float64(total) < 0.10 {
		return false
	}
	if textLen < minText {
		return false
	}

	lower := bytes.ToLower(html)
	for _, m := range shellMarkers {
		if bytes.Contains(lower, []byte(m)) {
			return false
		}
	}
	return true
}

// textMarkupRatio counts non-whitespace text bytes against markup bytes.
// Script and style bodies count as markup.
func textMarkupRatio(html []byte) (text, markup int) {
	s := string(html)
	inTag := false
	for i := 0; i < len(s); {
		ch := s[i]
		switch {
		case ch == '<':
			if n := rawElementLen(s[i:]); n > 0 {
				markup += n
				i += n
				continue
			}
			inTag = true
			markup++
		case ch == '>':
			inTag = false
			markup++
		case inTag:
			markup++
		case ch != ' ' && ch != '\t' && ch != '\n' && ch != '\r':
			text++
		}
		i++
	}
	return text, markup
}

// rawElementLen returns the byte length of the script or style element
// starting s, through its end tag, or 0 when s starts no such element. An
// unterminated element runs to the end of s.
func rawElementLen(s string) int {
	head := strings.ToLower(s[:min(len(s), len("<script"))])
	for _, name := range []string{"script", "style"} {
		if !strings.HasPrefix(head, "<"+name) {
			continue
		}
		idx := strings.Index(strings.ToLower(s), "</"+name)
		if idx < 0 {
			return len(s)
		}
		end := strings.IndexByte(s[idx:], '>')
		if end < 0 {
			return len(s)
		}
		return idx + end + 1
	}
	return 0
}
