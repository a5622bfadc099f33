// Package segment splits response text into ordered playback segments.
package segment

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Segment is one unit of text destined for audio synthesis.
type Segment struct {
	Sequence   int    `json:"sequence"`
	Text       string `json:"text"`
	AudioJobID string `json:"audio_job_id,omitempty"`
}

// Options tunes the splitter. The zero value splits on sentence boundaries only.
type Options struct {
	// MaxChars splits segments longer than this many runes at the last space
	// before the limit. Zero disables the limit.
	MaxChars int
	// NormalizeWhitespace collapses runs of whitespace inside a segment.
	NormalizeWhitespace bool
}

// Splitter produces segment sequences. It is stateless and safe for concurrent use.
type Splitter struct {
	opts Options
}

func NewSplitter(opts Options) *Splitter {
	if opts.MaxChars < 0 {
		opts.MaxChars = 0
	}
	return &Splitter{opts: opts}
}

// Split returns a lazy sequence over text. Segments are produced on demand.
func (s *Splitter) Split(text string) *Sequence {
	return &Sequence{rest: text, opts: s.opts}
}

// Sequence is a single-use, finite iterator over segments.
type Sequence struct {
	rest string
	next int
	opts Options
}

// Next returns the following segment, or false once the input is exhausted.
func (q *Sequence) Next() (Segment, bool) {
	q.rest = strings.TrimLeftFunc(q.rest, unicode.IsSpace)
	if q.rest == "" {
		return Segment{}, false
	}

	cut := boundary(q.rest)
	piece := strings.TrimSpace(q.rest[:cut])
	q.rest = q.rest[cut:]

	if q.opts.NormalizeWhitespace {
		piece = strings.Join(strings.Fields(piece), " ")
	}
	if q.opts.MaxChars > 0 && utf8.RuneCountInString(piece) > q.opts.MaxChars {
		head, tail := splitAtLimit(piece, q.opts.MaxChars)
		piece = head
		q.rest = tail + " " + q.rest
	}

	seg := Segment{Sequence: q.next, Text: piece}
	q.next++
	return seg, true
}

// All drains the remaining segments as an iterator.
func (q *Sequence) All() iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		for {
			seg, ok := q.Next()
			if !ok || !yield(seg) {
				return
			}
		}
	}
}

// Collect drains the remaining segments into a slice.
func (q *Sequence) Collect() []Segment {
	var out []Segment
	for seg := range q.All() {
		out = append(out, seg)
	}
	return out
}

// boundary returns the byte offset just past the first sentence terminator
// (plus optional closing quote) that is followed by whitespace, or len(text).
func boundary(text string) int {
	for i, r := range text {
		if !isTerminal(r) {
			continue
		}
		j := i + utf8.RuneLen(r)
		if j >= len(text) {
			return len(text)
		}
		next, size := utf8.DecodeRuneInString(text[j:])
		if isClosingQuote(next) {
			j += size
			if j >= len(text) {
				return len(text)
			}
			next, _ = utf8.DecodeRuneInString(text[j:])
		}
		if unicode.IsSpace(next) {
			return j
		}
	}
	return len(text)
}

func splitAtLimit(text string, limit int) (string, string) {
	runes := []rune(text)
	cut := limit
	for i := limit; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])), strings.TrimSpace(string(runes[cut:]))
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', ':', ';':
		return true
	}
	return false
}

func isClosingQuote(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '»':
		return true
	}
	return false
}
