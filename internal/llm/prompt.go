package llm

import "fmt"

// buildPrompt creates the page recognition prompt
func buildPrompt() string {
	return `Transcribe the content of this page image exactly. The page may mix Chinese, Japanese and English.

RULES:
- Keep the original layout: headings, paragraphs, lists and line breaks
- Render tables as Markdown tables with the original rows and columns
- Keep every character in its original script; do not translate
- Preserve numbers, units, punctuation and footnote markers as printed
- Do not summarise, explain or add commentary
- Do not wrap the output in code fences
- If the page is blank, output nothing

Output ONLY the Markdown transcription.`
}

// pageHint tells the model which page it is looking at.
func pageHint(page int) string {
	return fmt.Sprintf("This is page %d.", page)
}
