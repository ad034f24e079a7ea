package export

import (
	"bytes"
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var ataTemplate = template.Must(
	template.New("ata.html").Funcs(template.FuncMap{"rowClass": rowClass}).ParseFS(templateFS, "templates/ata.html"),
)

func rowClass(k RowKind) string {
	switch k {
	case RowExtra:
		return "extra"
	case RowTotal:
		return "total"
	case RowPlaceholder:
		return "placeholder"
	default:
		return "instrument"
	}
}

// TemplateData holds data for the Ata template
type TemplateData struct {
	Document
	Organization     string
	Department       string
	MusiciansHeading string
	MinistryHeading  string
	SignatureLine    string
	SignatureCaption string
}

// RenderHTML renders doc as a standalone HTML page.
func RenderHTML(doc Document) ([]byte, error) {
	data := TemplateData{
		Document:         doc,
		Organization:     Organization,
		Department:       Department,
		MusiciansHeading: MusiciansHeading,
		MinistryHeading:  MinistryHeading,
		SignatureLine:    SignatureLine,
		SignatureCaption: SignatureCaption,
	}
	var buf bytes.Buffer
	if err := ataTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
