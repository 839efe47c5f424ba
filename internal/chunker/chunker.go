// Package chunker splits long text into pieces that fit a synthesis backend's
// length limit, preferring paragraph and sentence boundaries.
package chunker

import (
	"strings"
)

// Chunk is one contiguous slice of the source text.
type Chunk struct {
	Index  int
	Text   string
	IsLast bool
}

// Split cuts text into chunks of at most maxLength runes. Text that already
// fits is returned as a single, untrimmed chunk. Longer text is cut at the
// last paragraph break inside each window, else at the last '.', '!' or '?',
// else hard at the limit. Chunks are trimmed and blank ones dropped.
func Split(text string, maxLength int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	if maxLength <= 0 || len(runes) <= maxLength {
		return []Chunk{{Index: 0, Text: text, IsLast: true}}
	}

	var pieces []string
	cursor := 0
	for cursor < len(runes) {
		end := cursor + maxLength
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = boundary(runes, cursor, end)
		}
		if piece := strings.TrimSpace(string(runes[cursor:end])); piece != "" {
			pieces = append(pieces, piece)
		}
		cursor = end
	}

	chunks := make([]Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = Chunk{Index: i, Text: piece, IsLast: i == len(pieces)-1}
	}
	return chunks
}

// boundary returns the cut position for the window [cursor, limit). The
// returned position is always in (cursor, limit].
func boundary(runes []rune, cursor, limit int) int {
	for p := limit - 2; p > cursor; p-- {
		if runes[p] == '\n' && runes[p+1] == '\n' {
			return p + 2
		}
	}
	for p := limit - 1; p > cursor; p-- {
		switch runes[p] {
		case '.', '!', '?':
			return p + 1
		}
	}
	return limit
}

// Join concatenates the text of chunks with sep.
func Join(chunks []Chunk, sep string) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, sep)
}
