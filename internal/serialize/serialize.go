// Package serialize renders pipeline output as downloadable text, CSV or
// XLSX streams and derives safe attachment filenames.
package serialize

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/budgetscan/pdf-ocr-service/internal/types"
)

// Text writes the document text verbatim.
func Text(w io.Writer, document string) error {
	_, err := io.WriteString(w, document)
	return err
}

// CSV writes the records with the fixed schema header, standard quoting.
func CSV(w io.Writer, records []types.ExtractionRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(types.FieldNames()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, r := range records {
		if err := cw.Write(r.Row()); err != nil {
			return fmt.Errorf("writing record %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// XLSX writes the records as a single-sheet workbook with the schema header.
func XLSX(w io.Writer, records []types.ExtractionRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)

	header := make([]any, 0, len(types.FieldNames()))
	for _, name := range types.FieldNames() {
		header = append(header, name)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i, r := range records {
		row := make([]any, 0, len(header))
		for _, v := range r.Row() {
			row = append(row, v)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing record %d: %w", i, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("encoding workbook: %w", err)
	}
	return nil
}

// Filename derives the attachment name from the uploaded file name, swapping
// the extension and dropping anything that could break a Content-Disposition
// header. Falls back to "document" when nothing usable remains.
func Filename(upload, ext string) string {
	base := filepath.Base(strings.TrimSpace(upload))
	base = strings.TrimSuffix(base, filepath.Ext(base))

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	cleaned := strings.Trim(b.String(), "._")
	if cleaned == "" {
		cleaned = "document"
	}
	return cleaned + ext
}
