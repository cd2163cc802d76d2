package extract

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// fromPDF extracts page texts and joins them with PageBreak so downstream
// segmentation can honor page boundaries.
func fromPDF(path string) (Source, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return Source{}, fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	total := reader.NumPage()
	if total == 0 {
		return Source{}, nil
	}

	pages := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return Source{}, fmt.Errorf("extracting pdf page %d: %w", i, err)
		}
		pages = append(pages, text)
	}

	return Source{
		FullText: strings.Join(pages, PageBreak),
		Pages:    total,
	}, nil
}
