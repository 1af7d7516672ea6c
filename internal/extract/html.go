package extract

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var (
	tagPattern        = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptPattern     = regexp.MustCompile(`(?is)<(script|style|nav)[^>]*>.*?</(script|style|nav)>`)
	blankLinesPattern = regexp.MustCompile(`\n{3,}`)
)

// htmlToText removes chrome elements and converts the remaining markup to
// markdown. Tag stripping is used when conversion fails.
func htmlToText(data []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return stripTags(string(data))
	}
	doc.Find("script, style, nav, noscript, iframe").Remove()

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	inner, err := body.Html()
	if err != nil {
		return stripTags(string(data))
	}

	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(inner)
	if err != nil || strings.TrimSpace(markdown) == "" {
		return stripTags(inner)
	}
	return normalizeBlankLines(markdown)
}

func stripTags(raw string) string {
	clean := scriptPattern.ReplaceAllString(raw, "")
	clean = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n\n", "</div>", "\n").Replace(clean)
	clean = tagPattern.ReplaceAllString(clean, "")
	return normalizeBlankLines(html.UnescapeString(clean))
}

func normalizeBlankLines(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	joined := strings.Join(lines, "\n")
	return strings.TrimSpace(blankLinesPattern.ReplaceAllString(joined, "\n\n"))
}
