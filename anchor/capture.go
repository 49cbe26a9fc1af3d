package anchor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/hazyhaar/anchorkeep/dom"
	"github.com/hazyhaar/anchorkeep/idgen"
	"github.com/hazyhaar/anchorkeep/pathaddr"
)

// ContextMode selects where context snippets are read from.
type ContextMode int

const (
	// ContextFirstOccurrence reads context around the first occurrence of
	// the selected text in the container. When the text is repeated this may
	// describe a different occurrence than the one selected.
	ContextFirstOccurrence ContextMode = iota
	// ContextAtSelection reads context at the selection's own offsets.
	ContextAtSelection
)

// ParseContextMode maps the config spelling to a ContextMode.
func ParseContextMode(s string) (ContextMode, error) {
	switch s {
	case "", "first_occurrence":
		return ContextFirstOccurrence, nil
	case "selection":
		return ContextAtSelection, nil
	}
	return 0, fmt.Errorf("anchor: unknown context mode %q", s)
}

// DefaultContextLen is the snippet length used when ContextLen is zero.
const DefaultContextLen = 50

// Capturer turns live selections into Anchors.
type Capturer struct {
	ContextLen  int
	ContextMode ContextMode
	NewID       idgen.Generator
	Now         func() time.Time
}

// NewCapturer returns a Capturer with the default context length, first
// occurrence context and "hl_"-prefixed UUIDv7 ids.
func NewCapturer() *Capturer {
	return &Capturer{
		ContextLen: DefaultContextLen,
		NewID:      idgen.Prefixed("hl_", idgen.Default),
		Now:        time.Now,
	}
}

// ParseIDStyle maps the config spelling of an id style to a Generator.
// "uuid" (or empty) gives "hl_"-prefixed UUIDv7 ids; "extension" gives ids
// shaped like the browser extension's, hl_<unix ms>_<9 base-36 chars>.
func ParseIDStyle(s string, now func() time.Time) (idgen.Generator, error) {
	switch s {
	case "", "uuid":
		return idgen.Prefixed("hl_", idgen.Default), nil
	case "extension":
		return ExtensionIDs(now), nil
	}
	return nil, fmt.Errorf("anchor: unknown id style %q", s)
}

// ExtensionIDs returns a Generator of hl_<unix ms>_<random> ids.
func ExtensionIDs(now func() time.Time) idgen.Generator {
	if now == nil {
		now = time.Now
	}
	suffix := idgen.NanoID(9)
	return func() string {
		return "hl_" + strconv.FormatInt(now().UnixMilli(), 10) + "_" + suffix()
	}
}

// Capture describes sel as an Anchor. A collapsed selection, or one whose
// text is only whitespace, yields (nil, nil): nothing to capture is not an
// error. Errors are reserved for selections that are not valid ranges.
func (c *Capturer) Capture(sel dom.Range) (*Anchor, error) {
	if sel.Collapsed() {
		return nil, nil
	}
	if err := sel.Validate(); err != nil {
		return nil, fmt.Errorf("anchor: capture: %w", err)
	}

	raw := sel.Text()
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, nil
	}
	leading := utf8.RuneCountInString(raw) - utf8.RuneCountInString(strings.TrimLeftFunc(raw, unicode.IsSpace))

	container := sel.CommonAncestor()
	for container != nil && container.Type == html.TextNode {
		container = container.Parent
	}
	if container == nil {
		return nil, fmt.Errorf("anchor: capture: selection has no container")
	}

	full := []rune(dom.TextContent(container))
	prefix := dom.Range{Start: dom.Boundary{Node: container}, End: sel.Start}.Text()
	start := utf8.RuneCountInString(prefix) + leading
	n := utf8.RuneCountInString(text)

	ctxStart := start
	if c.ContextMode == ContextFirstOccurrence {
		if i := runeIndex(string(full), text, 0); i >= 0 {
			ctxStart = i
		}
	}
	l := c.contextLen()

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	newID := c.NewID
	if newID == nil {
		newID = idgen.Prefixed("hl_", idgen.Default)
	}

	return &Anchor{
		ID:            newID(),
		Text:          text,
		ContainerPath: pathaddr.ToPath(container),
		StartOffset:   start,
		EndOffset:     start + n,
		BeforeContext: string(full[max(0, ctxStart-l):ctxStart]),
		AfterContext:  string(full[min(len(full), ctxStart+n):min(len(full), ctxStart+n+l)]),
		CreatedAt:     now().UnixMilli(),
	}, nil
}

func (c *Capturer) contextLen() int {
	if c.ContextLen <= 0 {
		return DefaultContextLen
	}
	return c.ContextLen
}
