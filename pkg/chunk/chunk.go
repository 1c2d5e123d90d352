// Package chunk implements the platform-aware, Unicode-safe message
// splitter every channel uses before handing text to its transport.
//
// Starts from a simple windowed `[]rune(message)` send loop and
// generalizes it into a full whitespace-preserving splitting algorithm,
// refined with grapheme-cluster-aware boundaries via
// github.com/rivo/uniseg.
package chunk

import (
	"fmt"
	"unicode"

	"github.com/rivo/uniseg"
)

// Per-channel fixed code-point limits (channels not listed here pick
// their own constant).
const (
	LimitTelegram = 4096
	LimitDiscord  = 2000
	LimitFeishu   = 2048
	LimitDingtalk = 20000
	LimitWeb      = 30000
)

// Text splits s into chunks of at most limit Unicode code points each
// (NOT UTF-16 units), never splitting inside a surrogate pair and
// preferring grapheme-cluster boundaries when a forced split is
// unavoidable. Concatenating the returned chunks in order reproduces s
// exactly — every inserted line separator is embedded in the chunk that
// carries it, never added back in by a caller.
//
// Returns an error if limit < 1.
func Text(s string, limit int) ([]string, error) {
	if limit < 1 {
		return nil, fmt.Errorf("chunk: limit must be >= 1, got %d", limit)
	}

	runes := []rune(s)
	if len(runes) == 0 {
		return []string{""}, nil
	}
	if len(runes) <= limit {
		return []string{s}, nil
	}

	lines := splitLines(s)
	var chunks []string
	var current []rune

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, string(current))
			current = nil
		}
	}

	for i, line := range lines {
		if i > 0 {
			// The separator that originally preceded this line. Modeled
			// exactly like an empty line: append \n, flushing first if
			// that would overflow the current chunk.
			if len(current)+1 > limit {
				flush()
			}
			current = append(current, '\n')
		}

		lineRunes := []rune(line)
		switch {
		case len(lineRunes) == 0:
			// Empty line: the separator above already carries its entire
			// contribution; nothing else to do.

		case len(lineRunes) > limit:
			flush()
			for _, tok := range splitPreservingWhitespace(line) {
				tokRunes := []rune(tok)
				if len(tokRunes) > limit {
					flush()
					chunks = append(chunks, windowGraphemeSafe(tokRunes, limit)...)
					continue
				}
				if len(current)+len(tokRunes) > limit {
					flush()
				}
				current = append(current, tokRunes...)
			}

		default:
			if len(current)+len(lineRunes) > limit {
				flush()
			}
			current = append(current, lineRunes...)
		}
	}
	flush()

	return chunks, nil
}

// splitLines splits on literal '\n', regardless of the rest of the
// line's content.
func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + len('\n')
		}
	}
	lines = append(lines, s[start:])
	return lines
}

// splitPreservingWhitespace splits line into alternating whitespace-run
// and non-whitespace-run tokens. Concatenating the tokens in order
// reproduces line exactly.
func splitPreservingWhitespace(line string) []string {
	runes := []rune(line)
	var tokens []string
	i := 0
	for i < len(runes) {
		start := i
		isSpace := unicode.IsSpace(runes[i])
		for i < len(runes) && unicode.IsSpace(runes[i]) == isSpace {
			i++
		}
		tokens = append(tokens, string(runes[start:i]))
	}
	return tokens
}

// windowGraphemeSafe slices runes into code-point windows of at most
// limit, preferring to break between grapheme clusters rather than inside
// one. A single cluster that itself exceeds limit is sliced by raw
// code-point windows (surrogate pairs are never split, since Go runes are
// already whole code points).
func windowGraphemeSafe(runes []rune, limit int) []string {
	s := string(runes)
	var out []string
	var cur []rune

	g := uniseg.NewGraphemes(s)
	for g.Next() {
		cluster := g.Runes()
		if len(cluster) > limit {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = nil
			}
			for i := 0; i < len(cluster); i += limit {
				end := i + limit
				if end > len(cluster) {
					end = len(cluster)
				}
				out = append(out, string(cluster[i:end]))
			}
			continue
		}
		if len(cur)+len(cluster) > limit {
			out = append(out, string(cur))
			cur = nil
		}
		cur = append(cur, cluster...)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}
