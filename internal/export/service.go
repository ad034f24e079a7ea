package export

import (
	"context"
	"fmt"
	"strings"

	"ccbcounter/api/internal/ata"
)

// RecordSource loads stored snapshots by id.
type RecordSource interface {
	Get(ctx context.Context, id int64) (ata.RawRecord, error)
}

// Service provides Ata export functionality
type Service struct {
	source RecordSource
	opts   BuildOptions
}

// NewService creates a new export service
func NewService(source RecordSource, opts BuildOptions) *Service {
	return &Service{source: source, opts: opts.withDefaults()}
}

// Export loads the snapshot, normalizes it and renders the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	raw, err := s.source.Get(ctx, req.RecordID)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return s.Render(ctx, ata.Normalize(raw), req.Format)
}

// Render materializes an already normalized record.
func (s *Service) Render(ctx context.Context, r ata.Record, format Format) (*Result, error) {
	doc := Build(r, s.opts)
	name := Filename(doc, format)

	switch format {
	case FormatDOCX:
		data, err := RenderDOCX(doc)
		if err != nil {
			return nil, fmt.Errorf("render docx: %w", err)
		}
		return &Result{Data: data, Filename: name, MimeType: MimeDOCX}, nil
	case FormatHTML:
		data, err := RenderHTML(doc)
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return &Result{Data: data, Filename: name, MimeType: MimeHTML}, nil
	case FormatPDF:
		page, err := RenderHTML(doc)
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		data, err := RenderPDF(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name, MimeType: MimePDF}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// Filename is ata_<id>.<ext> for stored records and a slug of the title
// otherwise.
func Filename(doc Document, format Format) string {
	if doc.RecordID > 0 {
		return fmt.Sprintf("ata_%d.%s", doc.RecordID, format)
	}
	return "ata_" + sanitizeFilename(doc.Title) + "." + string(format)
}

// sanitizeFilename creates a safe filename from a title
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range ata.Fold(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('-')
		}
	}
	result := strings.Trim(b.String(), "-")
	for strings.Contains(result, "--") {
		result = strings.ReplaceAll(result, "--", "-")
	}
	if len(result) > 50 {
		result = strings.TrimRight(result[:50], "-")
	}
	if result == "" {
		result = "documento"
	}
	return result
}
