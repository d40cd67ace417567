package capture

import (
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfText returns the plain text of every page. Pages are separated by a
// blank line so a page never merges into the next paragraph.
func pdfText(r io.ReaderAt, size int64) (string, error) {
	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= doc.NumPage(); i++ {
		p := doc.Page(i)
		if p.V.IsNull() {
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := p.Font(name)
				fonts[name] = &f
			}
		}
		text, err := p.GetPlainText(fonts)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}
