// Package chunker splits document text into overlapping, size-bounded chunks.
//
// Sizes are measured in Unicode code points. Consecutive chunks overlap by
// exactly the configured overlap and together cover the whole document. Cut
// points prefer the coarsest separator available inside the window: paragraph,
// then line, sentence, clause and finally word boundaries. A hard cut is used
// when the window holds none of them.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultSeparators lists the cut-point classes from coarse to fine.
var DefaultSeparators = [][]string{
	{"\n\n"},
	{"\n"},
	{". ", "! ", "? ", "。", "！", "？"},
	{"; ", ", ", "，", "；", "、"},
	{" "},
}

// ErrInvalidConfig is returned by New for impossible size settings.
var ErrInvalidConfig = errors.New("invalid chunker config")

// Error reports a document that could not be chunked. Ingestion skips the
// document and carries on.
type Error struct {
	DocumentID string
	Reason     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("chunking document %q: %s", e.DocumentID, e.Reason)
}

// Chunk is a contiguous slice of a document. Start and End are code point
// offsets into the source text, End exclusive.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Text       string
	Start      int
	End        int
}

// Span is a [Start, End) range of code points.
type Span struct {
	Start int
	End   int
}

// Chunker is safe for concurrent use.
type Chunker struct {
	size       int
	overlap    int
	separators [][]rune
	classes    []int
}

// New returns a Chunker producing chunks of at most size code points that
// overlap by overlap code points. separators may be nil for the defaults;
// otherwise each entry is its own class, ordered coarse to fine.
func New(size, overlap int, separators []string) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidConfig, overlap, size)
	}

	c := &Chunker{size: size, overlap: overlap}
	if len(separators) == 0 {
		for class, group := range DefaultSeparators {
			for _, sep := range group {
				c.separators = append(c.separators, []rune(sep))
				c.classes = append(c.classes, class)
			}
		}
		return c, nil
	}
	for class, sep := range separators {
		if sep == "" {
			return nil, fmt.Errorf("%w: empty separator", ErrInvalidConfig)
		}
		c.separators = append(c.separators, []rune(sep))
		c.classes = append(c.classes, class)
	}
	return c, nil
}

// Size returns the maximum chunk length.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the overlap between consecutive chunks.
func (c *Chunker) Overlap() int { return c.overlap }

// Split computes chunk boundaries over text. An empty text yields no spans.
func (c *Chunker) Split(text string) []Span {
	return c.split([]rune(text))
}

func (c *Chunker) split(runes []rune) []Span {
	n := len(runes)
	if n == 0 {
		return nil
	}

	var spans []Span
	start := 0
	for {
		hardEnd := start + c.size
		if hardEnd >= n {
			spans = append(spans, Span{Start: start, End: n})
			return spans
		}

		end := c.cutPoint(runes, start, hardEnd)
		spans = append(spans, Span{Start: start, End: end})
		start = end - c.overlap
	}
}

// cutPoint picks the end of the chunk starting at start. The end always lies
// in (start+overlap, hardEnd] so the next chunk makes progress.
func (c *Chunker) cutPoint(runes []rune, start, hardEnd int) int {
	lo := start + c.overlap + 1
	best, bestClass := -1, len(c.separators)

	for i, sep := range c.separators {
		class := c.classes[i]
		if class > bestClass {
			continue
		}
		end := lastSeparatorEnd(runes, sep, lo, hardEnd)
		if end < 0 {
			continue
		}
		if class < bestClass || end > best {
			best, bestClass = end, class
		}
	}
	if best < 0 {
		return hardEnd
	}
	return best
}

// lastSeparatorEnd returns the largest e in [lo, hi] such that sep ends at e,
// or -1.
func lastSeparatorEnd(runes []rune, sep []rune, lo, hi int) int {
	for e := hi; e >= lo; e-- {
		s := e - len(sep)
		if s < 0 {
			break
		}
		if runesEqual(runes[s:e], sep) {
			return e
		}
	}
	return -1
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Chunk splits a document into chunks whose IDs are derived from the document
// ID. Empty, blank or malformed documents return an *Error.
func (c *Chunker) Chunk(documentID, text string) ([]Chunk, error) {
	if !utf8.ValidString(text) {
		return nil, &Error{DocumentID: documentID, Reason: "text is not valid UTF-8"}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &Error{DocumentID: documentID, Reason: "document has no text"}
	}

	runes := []rune(text)
	spans := c.split(runes)
	chunks := make([]Chunk, 0, len(spans))
	for i, sp := range spans {
		chunks = append(chunks, Chunk{
			ID:         ChunkID(documentID, i),
			DocumentID: documentID,
			Index:      i,
			Text:       string(runes[sp.Start:sp.End]),
			Start:      sp.Start,
			End:        sp.End,
		})
	}
	return chunks, nil
}

// ChunkID is the stable identifier of the i-th chunk of a document.
func ChunkID(documentID string, i int) string {
	return fmt.Sprintf("%s#%d", documentID, i)
}
