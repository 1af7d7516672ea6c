package pipeline

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	//go:embed prompts/map.txt
	promptMap string
	//go:embed prompts/map_chunk.txt
	promptMapChunk string
	//go:embed prompts/map_consolidate.txt
	promptMapConsolidate string
	//go:embed prompts/reduce_batch.txt
	promptReduceBatch string
	//go:embed prompts/refine_first.txt
	promptRefineFirst string
	//go:embed prompts/refine_update.txt
	promptRefineUpdate string
	//go:embed prompts/final.txt
	promptFinal string
)

const (
	closingIntermediate = "More documents will follow. Keep the summary open-ended and do not write conclusions yet."
	closingLast         = "This is the last document. Make the summary complete and self-contained; it will be the basis of the final analysis."
)

// fill replaces {{KEY}} tokens in tmpl.
func fill(tmpl string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// overhead is the rune count of tmpl with every token removed.
func overhead(tmpl string, values map[string]string) int {
	blank := make(map[string]string, len(values))
	for k := range values {
		blank[k] = ""
	}
	return utf8.RuneCountInString(fill(tmpl, blank))
}

func mapPrompt(position, total int, description, text string) string {
	return fill(promptMap, map[string]string{
		"DOCUMENT_POSITION":    fmt.Sprintf("%d of %d", position, total),
		"DOCUMENT_DESCRIPTION": description,
		"DOCUMENT_TEXT":        text,
	})
}

func mapChunkPrompt(part, totalParts int, description, chunk string) string {
	return fill(promptMapChunk, map[string]string{
		"PART":                 fmt.Sprint(part),
		"TOTAL_PARTS":          fmt.Sprint(totalParts),
		"DOCUMENT_DESCRIPTION": description,
		"CHUNK_TEXT":           chunk,
	})
}

func mapConsolidatePrompt(description string, partials []string, budget int) string {
	values := map[string]string{
		"TOTAL_PARTS":          fmt.Sprint(len(partials)),
		"DOCUMENT_DESCRIPTION": description,
	}
	fitted := fitTexts(partials, budget-overhead(promptMapConsolidate, values)-sectionOverhead(len(partials)))
	var b strings.Builder
	for i, p := range fitted {
		fmt.Fprintf(&b, "### Part %d\n%s\n\n", i+1, strings.TrimSpace(p))
	}
	values["PARTIAL_ANALYSES"] = b.String()
	return fill(promptMapConsolidate, values)
}

// section is one labelled input of a consolidation prompt.
type section struct {
	Label string
	Text  string
}

func reduceBatchPrompt(level int, members []section, budget int) string {
	values := map[string]string{
		"COUNT": fmt.Sprint(len(members)),
		"LEVEL": fmt.Sprint(level),
	}
	values["ANALYSES"] = renderSections(members, budget-overhead(promptReduceBatch, values))
	return fill(promptReduceBatch, values)
}

func refineFirstPrompt(position, total int, description, analysis string, budget int) string {
	values := map[string]string{
		"POSITION":             fmt.Sprint(position),
		"TOTAL":                fmt.Sprint(total),
		"DOCUMENT_DESCRIPTION": description,
	}
	values["DOCUMENT_ANALYSIS"] = truncateRunes(analysis, budget-overhead(promptRefineFirst, values))
	return fill(promptRefineFirst, values)
}

func refineUpdatePrompt(position, total int, last bool, summary, description, analysis string, budget int) string {
	closing := closingIntermediate
	if last {
		closing = closingLast
	}
	values := map[string]string{
		"POSITION":             fmt.Sprint(position),
		"TOTAL":                fmt.Sprint(total),
		"CLOSING_INSTRUCTION":  closing,
		"DOCUMENT_DESCRIPTION": description,
	}
	fitted := fitTexts([]string{summary, analysis}, budget-overhead(promptRefineUpdate, values))
	values["SUMMARY"] = fitted[0]
	values["DOCUMENT_ANALYSIS"] = fitted[1]
	return fill(promptRefineUpdate, values)
}

// omitted describes an input document left out of the analysis.
type omitted struct {
	Description string
	Reason      string
}

func finalPrompt(instructions string, material []section, dropped []omitted, budget int) string {
	values := map[string]string{
		"INSTRUCTIONS": strings.TrimSpace(instructions),
		"OMITTED_NOTE": omittedNote(dropped),
	}
	values["CONTEXT"] = renderSections(material, budget-overhead(promptFinal, values))
	return fill(promptFinal, values)
}

func omittedNote(dropped []omitted) string {
	if len(dropped) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nThe following documents could not be processed and are NOT covered by the material. Mention that they were not analyzed:\n")
	for _, d := range dropped {
		fmt.Fprintf(&b, "- %s (%s)\n", d.Description, d.Reason)
	}
	return b.String()
}

func renderSections(items []section, budget int) string {
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = strings.TrimSpace(it.Text)
	}
	labelCost := 0
	for _, it := range items {
		labelCost += utf8.RuneCountInString(it.Label)
	}
	fitted := fitTexts(texts, budget-labelCost-sectionOverhead(len(items)))
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "### %s\n%s\n\n", it.Label, fitted[i])
	}
	return b.String()
}

// sectionOverhead is the markup cost of n rendered sections.
func sectionOverhead(n int) int {
	return n * len("### Part 000\n\n\n")
}
