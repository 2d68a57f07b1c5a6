// Package search computes in-conversation full-text matches and drives the
// match-to-match navigation cursor. Results are derived state: they are
// recomputed in full whenever the query or the message list changes and are
// never mutated incrementally.
package search

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"chatstream/pkg/models"
)

// Span is a half-open [start, end) byte range into the original message
// body, suitable for slicing the displayed text directly.
type Span [2]int

// Match is every occurrence of the query within one message.
type Match struct {
	MessageID string
	Spans     []Span
}

// ref addresses a single occurrence in the flattened result sequence.
type ref struct {
	match int // index into matches
	span  int // index into matches[match].Spans
}

// Index holds the matches for one (message list, query) pair and a cursor
// over the flattened occurrence sequence, ordered by (message position in
// conversation, occurrence start offset).
type Index struct {
	matches []Match
	refs    []ref
	current int // index into refs, -1 when there are no matches
}

// NewIndex returns an empty index with the cursor at "none".
func NewIndex() *Index {
	return &Index{current: -1}
}

// Rebuild recomputes all matches for the given messages and query and
// resets the cursor: 0 when any occurrence exists, -1 otherwise.
//
// Matching is case-insensitive substring search. The scan resumes one byte
// past each previous match start, so overlapping hits are all reported:
// query "aa" against "aaaa" yields spans (0,2) (1,3) (2,4). Deleted
// messages render placeholder text, so their original body is never
// indexed.
func (x *Index) Rebuild(msgs []models.Message, query string) {
	x.matches = nil
	x.refs = nil
	x.current = -1

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return
	}

	for _, m := range msgs {
		if m.Deleted {
			continue
		}
		body, offs := foldBody(m.Body)
		var spans []Span
		pos := 0
		for {
			i := strings.Index(body[pos:], q)
			if i < 0 {
				break
			}
			start := pos + i
			spans = append(spans, Span{offs[start], offs[start+len(q)]})
			pos = start + 1
		}
		if len(spans) == 0 {
			continue
		}
		mi := len(x.matches)
		x.matches = append(x.matches, Match{MessageID: m.ID, Spans: spans})
		for si := range spans {
			x.refs = append(x.refs, ref{match: mi, span: si})
		}
	}
	if len(x.refs) > 0 {
		x.current = 0
	}
}

// foldBody lowercases s and returns, for every byte of the lowered text
// plus one past the end, the offset of the originating byte in s.
// Lowercasing can change a rune's byte length ("İ" shrinks to "i"), so
// spans found in the lowered text are mapped back through this table.
func foldBody(s string) (string, []int) {
	var b strings.Builder
	b.Grow(len(s))
	offs := make([]int, 0, len(s)+1)
	for i, r := range s {
		lr := unicode.ToLower(r)
		for n := utf8.RuneLen(lr); n > 0; n-- {
			offs = append(offs, i)
		}
		b.WriteRune(lr)
	}
	offs = append(offs, len(s))
	return b.String(), offs
}

// Matches returns the per-message match list in conversation order.
// Messages without occurrences are omitted.
func (x *Index) Matches() []Match { return x.matches }

// Total returns the number of individual occurrences across all messages.
func (x *Index) Total() int { return len(x.refs) }

// Current returns the cursor position into the flattened occurrence
// sequence, or -1 when there are no matches.
func (x *Index) Current() int { return x.current }

// CurrentMatch returns the message id and span of the occurrence under the
// cursor. ok is false when there are no matches.
func (x *Index) CurrentMatch() (messageID string, span Span, ok bool) {
	if x.current < 0 {
		return "", Span{}, false
	}
	r := x.refs[x.current]
	m := x.matches[r.match]
	return m.MessageID, m.Spans[r.span], true
}

// Next advances the cursor, wrapping from the last occurrence to the
// first. No-op when there are no matches.
func (x *Index) Next() {
	if len(x.refs) == 0 {
		return
	}
	x.current = (x.current + 1) % len(x.refs)
}

// Prev moves the cursor back, wrapping from the first occurrence to the
// last. No-op when there are no matches.
func (x *Index) Prev() {
	if len(x.refs) == 0 {
		return
	}
	x.current = (x.current - 1 + len(x.refs)) % len(x.refs)
}
