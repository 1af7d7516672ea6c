package pipeline

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var paragraphBreak = regexp.MustCompile(`\n[ \t\r]*\n\s*`)

// SplitParagraphs cuts text into chunks of about target runes without ever
// splitting a paragraph. A chunk shorter than minSize is merged into the one
// before it. Concatenating the chunks yields text unchanged.
func SplitParagraphs(text string, target, minSize int) []string {
	if text == "" {
		return nil
	}
	if target <= 0 || utf8.RuneCountInString(text) <= target {
		return []string{text}
	}

	paragraphs := splitKeepingBreaks(text)
	var chunks []string
	var current strings.Builder
	currentLen := 0
	for _, p := range paragraphs {
		pLen := utf8.RuneCountInString(p)
		if currentLen > 0 && currentLen+pLen > target {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}
		current.WriteString(p)
		currentLen += pLen
	}
	if currentLen > 0 {
		chunks = append(chunks, current.String())
	}

	merged := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if len(merged) > 0 && utf8.RuneCountInString(c) < minSize {
			merged[len(merged)-1] += c
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

// splitKeepingBreaks returns paragraphs with their trailing break attached.
func splitKeepingBreaks(text string) []string {
	var out []string
	start := 0
	for _, loc := range paragraphBreak.FindAllStringIndex(text, -1) {
		out = append(out, text[start:loc[1]])
		start = loc[1]
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// truncateRunes shortens s to at most n runes, marking the cut.
func truncateRunes(s string, n int) string {
	const marker = "\n[...]"
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	keep := n - utf8.RuneCountInString(marker)
	if keep <= 0 {
		return string(runes[:n])
	}
	return string(runes[:keep]) + marker
}

// fitTexts shrinks texts proportionally so their combined rune count stays
// within budget.
func fitTexts(texts []string, budget int) []string {
	total := 0
	for _, t := range texts {
		total += utf8.RuneCountInString(t)
	}
	if total <= budget || total == 0 {
		return texts
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		share := utf8.RuneCountInString(t) * budget / total
		out[i] = truncateRunes(t, share)
	}
	return out
}
