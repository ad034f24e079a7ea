package export

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/fumiama/go-docx"
)

// Shading colors, shared with the HTML stylesheet.
const (
	fillHeader = "F8F9FA"
	fillExtra  = "FFF3CD"
	fillTotal  = "E9ECEF"
	borderGrey = "333333"
)

// A4 with 2 cm margins, in twips.
const (
	pageWidth   = 11906
	pageHeight  = 16838
	pageMargin  = 1134
	bodyWidth   = pageWidth - 2*pageMargin
	fullWidthPc = 5000 // fiftieths of a percent
)

type runStyle struct {
	bold bool
	size int // half-points
}

type cell struct {
	text   string
	bold   bool
	fill   string
	center bool
}

// RenderDOCX writes doc as a WordprocessingML package.
func RenderDOCX(doc Document) ([]byte, error) {
	f := docx.New().WithDefaultTheme()

	paragraph(f.AddParagraph(), Organization, "left", runStyle{bold: true, size: 28})
	paragraph(f.AddParagraph(), Department, "left", runStyle{size: 22})
	f.AddParagraph()
	paragraph(f.AddParagraph(), doc.Title, "center", runStyle{bold: true, size: 24})
	paragraph(f.AddParagraph(), doc.Held, "center", runStyle{size: 22})
	f.AddParagraph()

	admin := make([][]cell, 0, len(doc.Admin))
	for _, field := range doc.Admin {
		admin = append(admin, []cell{{text: field.Label, bold: true, fill: fillHeader}, {text: field.Value}})
	}
	table(f, []int{1250, 3750}, admin)

	f.AddParagraph()
	paragraph(f.AddParagraph(), MusiciansHeading, "center", runStyle{bold: true, size: 22})
	instruments := [][]cell{{
		{text: "Instrumento", bold: true, fill: fillHeader},
		{text: "Quantidade", bold: true, fill: fillHeader, center: true},
	}}
	for _, r := range doc.Instruments {
		row := []cell{{text: r.Label()}, {text: r.CountText(), center: true}}
		switch r.Kind {
		case RowExtra:
			row[0].fill, row[1].fill = fillExtra, fillExtra
		case RowTotal:
			row[0].fill, row[1].fill = fillTotal, fillTotal
			row[0].bold, row[1].bold = true, true
		}
		instruments = append(instruments, row)
	}
	table(f, []int{3500, 1500}, instruments)

	f.AddParagraph()
	paragraph(f.AddParagraph(), MinistryHeading, "center", runStyle{bold: true, size: 22})
	ministry := [][]cell{{
		{text: "Cargo", bold: true, fill: fillHeader},
		{text: "Qtd", bold: true, fill: fillHeader, center: true},
		{text: "Nomes", bold: true, fill: fillHeader},
	}}
	for _, r := range doc.Ministry {
		ministry = append(ministry, []cell{
			{text: r.RoleText(), bold: r.Kind != RowPlaceholder, fill: fillHeader},
			{text: r.CountText(), center: true},
			{text: r.NamesText()},
		})
	}
	table(f, []int{1500, 750, 2750}, ministry)

	f.AddParagraph()
	paragraph(f.AddParagraph(), SignatureLine, "center", runStyle{})
	paragraph(f.AddParagraph(), SignatureCaption, "center", runStyle{})

	// sectPr closes the body
	f.Document.Body.Items = append(f.Document.Body.Items, &docx.SectPr{
		PgSz: &docx.PgSz{W: pageWidth, H: pageHeight},
		PgMar: &docx.PgMar{
			Top: pageMargin, Right: pageMargin, Bottom: pageMargin, Left: pageMargin,
			Header: 708, Footer: 708,
		},
	})

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write docx: %w", err)
	}
	return buf.Bytes(), nil
}

func paragraph(p *docx.Paragraph, text, align string, style runStyle) {
	if align != "" {
		p.Justification(align)
	}
	run := p.AddText(text)
	if style.bold {
		run.Bold()
	}
	if style.size > 0 {
		run.Size(strconv.Itoa(style.size))
	}
}

// table adds a bordered full-width table. widths are fiftieths of a percent
// and must match each row's cell count.
func table(f *docx.Docx, widths []int, rows [][]cell) {
	twips := make([]int64, len(widths))
	for i, w := range widths {
		twips[i] = int64(w * bodyWidth / fullWidthPc)
	}
	borders := &docx.APITableBorderColors{
		Top: borderGrey, Left: borderGrey, Bottom: borderGrey,
		Right: borderGrey, InsideH: borderGrey, InsideV: borderGrey,
	}
	t := f.AddTableTwips(make([]int64, len(rows)), twips, 0, borders)
	t.TableProperties.Width = &docx.WTableWidth{W: fullWidthPc, Type: "pct"}

	for i, row := range rows {
		for j, c := range row {
			tc := t.TableRows[i].TableCells[j]
			if c.fill != "" {
				tc.Shade("clear", "auto", c.fill)
			}
			align := ""
			if c.center {
				align = "center"
			}
			paragraph(tc.AddParagraph(), c.text, align, runStyle{bold: c.bold})
		}
	}
}
