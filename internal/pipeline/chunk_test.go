package pipeline

import (
	"strings"
	"testing"
	"unicode/utf8"

	"caseanalysis-backend/internal/runs"
)

func TestSplitParagraphsCoversText(t *testing.T) {
	// 35 paragraphs of 100 runes each: 3.5 times a chunk of 1000.
	paragraph := strings.Repeat("a", 98) + "\n\n"
	text := strings.Repeat(paragraph, 35)

	tests := []struct {
		name    string
		minSize int
		want    int
	}{
		{name: "remainder kept", minSize: 400, want: 4},
		{name: "remainder merged", minSize: 600, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := SplitParagraphs(text, 1000, tt.minSize)
			if len(chunks) != tt.want {
				t.Fatalf("expected %d chunks, got %d", tt.want, len(chunks))
			}
			if strings.Join(chunks, "") != text {
				t.Fatalf("chunks do not reassemble the text")
			}
			for i, c := range chunks {
				if !strings.HasSuffix(c, "\n\n") {
					t.Fatalf("chunk %d splits a paragraph", i)
				}
			}
		})
	}
}

func TestSplitParagraphsKeepsOversizedParagraph(t *testing.T) {
	big := strings.Repeat("b", 250)
	text := "short one\n\n" + big + "\n\nshort two"
	chunks := SplitParagraphs(text, 100, 5)
	if strings.Join(chunks, "") != text {
		t.Fatalf("chunks do not reassemble the text")
	}
	found := false
	for _, c := range chunks {
		if strings.Contains(c, big) {
			found = true
		}
	}
	if !found {
		t.Fatalf("oversized paragraph was split: %q", chunks)
	}
}

func TestSplitParagraphsCountsRunes(t *testing.T) {
	paragraph := strings.Repeat("é", 40) + "\n\n"
	text := strings.Repeat(paragraph, 3)
	chunks := SplitParagraphs(text, 90, 10)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks by rune count, got %d", len(chunks))
	}
	for _, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk is not valid UTF-8")
		}
	}
}

func TestSplitParagraphsShortText(t *testing.T) {
	if got := SplitParagraphs("", 10, 2); got != nil {
		t.Fatalf("expected nil, got %q", got)
	}
	if got := SplitParagraphs("tiny", 10, 2); len(got) != 1 || got[0] != "tiny" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestFitTextsProportional(t *testing.T) {
	texts := []string{strings.Repeat("a", 300), strings.Repeat("b", 100)}
	fitted := fitTexts(texts, 200)
	total := 0
	for _, f := range fitted {
		total += utf8.RuneCountInString(f)
	}
	if total > 200 {
		t.Fatalf("budget exceeded: %d", total)
	}
	if utf8.RuneCountInString(fitted[0]) != 150 || utf8.RuneCountInString(fitted[1]) != 50 {
		t.Fatalf("expected proportional 150/50, got %d/%d",
			utf8.RuneCountInString(fitted[0]), utf8.RuneCountInString(fitted[1]))
	}
	same := fitTexts([]string{"x", "y"}, 10)
	if same[0] != "x" || same[1] != "y" {
		t.Fatalf("texts under budget must be unchanged")
	}
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		override string
		want     string
	}{
		{name: "at threshold", count: 20, want: "refine"},
		{name: "above threshold", count: 21, want: "batch"},
		{name: "auto falls through", count: 3, override: "auto", want: "refine"},
		{name: "override batch", count: 2, override: "batch", want: "batch"},
		{name: "override refine", count: 500, override: "refine", want: "refine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectStrategy(tt.count, runs.Strategy(tt.override), 20)
			if string(got) != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestPlannedLevels(t *testing.T) {
	tests := []struct {
		count, batch, max, want int
	}{
		{count: 5, batch: 10, max: 5, want: 0},
		{count: 25, batch: 10, max: 5, want: 1},
		{count: 250, batch: 10, max: 5, want: 2},
		{count: 100000, batch: 10, max: 3, want: 3},
	}
	for _, tt := range tests {
		if got := plannedLevels(tt.count, tt.batch, tt.max); got != tt.want {
			t.Fatalf("plannedLevels(%d, %d, %d) = %d, want %d", tt.count, tt.batch, tt.max, got, tt.want)
		}
	}
}
