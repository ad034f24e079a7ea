// Package export renders a tally snapshot as the Ata document in DOCX, HTML
// and PDF formats.
package export

import (
	"errors"
	"strings"
)

// Format represents the export output format
type Format string

const (
	FormatDOCX Format = "docx"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// MIME types of the rendered formats.
const (
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeHTML = "text/html; charset=utf-8"
	MimePDF  = "application/pdf"
)

// ParseFormat maps a query value to a Format. Empty selects DOCX.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatDOCX, nil
	case FormatDOCX, FormatHTML, FormatPDF:
		return f, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	RecordID int64
	Format   Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat indicates a format other than docx, html or pdf.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
