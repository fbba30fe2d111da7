// Package normalize turns raw per-page OCR output into a single clean
// document string with the page-separator convention "--- Page N ---".
// Everything here is a pure function of its input.
package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/budgetscan/pdf-ocr-service/internal/types"
)

var (
	// Zero-width and soft-hyphen characters tesseract occasionally emits.
	zeroWidthChars = regexp.MustCompile("[\u200B-\u200D\uFEFF\u00AD\u2060]")
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// Page cleans the raw OCR text of a single page: strips invisible unicode
// artifacts, normalizes newline variants, collapses whitespace runs to single
// spaces and trims. Idempotent: Page(Page(s)) == Page(s).
func Page(s string) string {
	if s == "" {
		return ""
	}
	s = zeroWidthChars.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Separator returns the literal separator line for a page.
func Separator(page int) string {
	return fmt.Sprintf("--- Page %d ---", page)
}

// Document combines ordered per-page texts into the final document string:
// each page's cleaned text under its separator line, pages joined by a blank
// line. Pages that OCR'd to nothing still get their marker so page numbering
// stays aligned with the source document.
func Document(pages []types.PageText) string {
	var b strings.Builder
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(Separator(p.PageNumber))
		b.WriteString("\n")
		b.WriteString(Page(p.Text))
	}
	return b.String()
}
