// Package anchor captures resilient descriptions of text spans in an HTML
// tree and resolves them again after the document changed.
//
// An Anchor records the span text, a structural path to a container
// element, code point offsets into the container's concatenated text, and
// short context snippets around the span. Resolution tries, in order:
//
//	exact     the stored offsets, accepted only if the text matches exactly
//	context   before + text + after, searched literally
//	partial   the last/first 20 characters of context around the text
//	nearest   the occurrence of text closest to the stored start offset
//
// Nothing here mutates the document; see package mark for that.
package anchor

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Anchor is the serialisable unit persisted per page. JSON names follow the
// browser extension's export format so its exports load unchanged.
type Anchor struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	ContainerPath string   `json:"xpath"`
	StartOffset   int      `json:"startOffset"`
	EndOffset     int      `json:"endOffset"`
	BeforeContext string   `json:"beforeContext"`
	AfterContext  string   `json:"afterContext"`
	CreatedAt     int64    `json:"createdAt"` // unix millis
	Comment       string   `json:"comment,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// ErrInvalidAnchor is wrapped by Validate failures.
var ErrInvalidAnchor = errors.New("anchor: invalid")

// Validate checks the offset invariants: 0 <= start < end and
// end-start == len(text) in code points.
func (a *Anchor) Validate() error {
	switch {
	case a.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidAnchor)
	case a.Text == "":
		return fmt.Errorf("%w: empty text", ErrInvalidAnchor)
	case a.StartOffset < 0 || a.StartOffset >= a.EndOffset:
		return fmt.Errorf("%w: offsets %d..%d", ErrInvalidAnchor, a.StartOffset, a.EndOffset)
	case a.EndOffset-a.StartOffset != utf8.RuneCountInString(a.Text):
		return fmt.Errorf("%w: offsets span %d characters, text has %d",
			ErrInvalidAnchor, a.EndOffset-a.StartOffset, utf8.RuneCountInString(a.Text))
	}
	return nil
}

// Clone returns a deep copy.
func (a *Anchor) Clone() *Anchor {
	c := *a
	if a.Tags != nil {
		c.Tags = append([]string(nil), a.Tags...)
	}
	return &c
}
