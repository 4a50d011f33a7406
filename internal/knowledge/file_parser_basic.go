package knowledge

import (
	"bytes"
	"fmt"
	"strings"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/fumiama/go-docx"
	"github.com/ledongthuc/pdf"
)

// BasicPDFParser 无需授权的 PDF 解析器，输出格式与 PDFParser 一致
type BasicPDFParser struct{}

func (p *BasicPDFParser) Parse(content []byte) (text string, err error) {
	// 损坏的内容流会让底层库 panic
	defer func() {
		if r := recover(); r != nil {
			text, err = "", apperrors.NewExtractionError("解析PDF失败").WithCause(fmt.Errorf("%v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", apperrors.NewExtractionError("解析PDF失败").WithCause(err)
	}

	var textBuilder strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", apperrors.NewExtractionError("extract text from pdf page %d", i).WithCause(err)
		}
		textBuilder.WriteString(pageText)
		writePageMarker(&textBuilder, i)
	}
	return textBuilder.String(), nil
}

// BasicWordParser 无需授权的 docx 解析器，输出格式与 WordParser 一致
type BasicWordParser struct {
	Legacy bool
}

func (p *BasicWordParser) Parse(content []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", wordReadError(p.Legacy, fmt.Errorf("%v", r))
		}
	}()

	doc, err := docx.Parse(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", wordReadError(p.Legacy, err)
	}

	var tables []*docx.Table
	var textBuilder strings.Builder
	for _, item := range doc.Document.Body.Items {
		switch v := item.(type) {
		case *docx.Paragraph:
			textBuilder.WriteString(v.String())
			textBuilder.WriteString("\n")
		case *docx.Table:
			tables = append(tables, v)
		}
	}
	if p.Legacy {
		return textBuilder.String(), nil
	}

	for _, table := range tables {
		for _, row := range table.TableRows {
			cells := make([]string, 0, len(row.TableCells))
			for _, cell := range row.TableCells {
				var cellText []string
				for _, para := range cell.Paragraphs {
					cellText = append(cellText, para.String())
				}
				cells = append(cells, strings.Join(cellText, "\n"))
			}
			writeTableRow(&textBuilder, cells)
		}
	}
	return textBuilder.String(), nil
}
