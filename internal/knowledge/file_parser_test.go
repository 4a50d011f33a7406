package knowledge

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/fumiama/go-docx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{".PDF": FormatPDF, "markdown": FormatMarkdown, "txt": FormatText, ".docx": FormatDocx} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseFormat(".exe")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnsupportedFormat))
}

func TestTextExtractor_PlainAndLatin1(t *testing.T) {
	e := NewTextExtractor()

	path := writeFile(t, "a.txt", []byte("  hello world \n"))
	text, err := e.Extract(path, "txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	// 0xE9 在 UTF-8 中非法，按 latin-1 解码为 é
	path = writeFile(t, "b.md", []byte{'c', 'a', 'f', 0xE9})
	text, err = e.Extract(path, "")
	require.NoError(t, err)
	assert.Equal(t, "café", text)
}

func TestTextExtractor_JSON(t *testing.T) {
	e := NewTextExtractor()

	path := writeFile(t, "obj.json", []byte(`{"b":1,"a":{"c":"<x>"}}`))
	text, err := e.Extract(path, "json")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"b\": 1,\n  \"a\": {\n    \"c\": \"<x>\"\n  }\n}", text)

	path = writeFile(t, "list.json", []byte(`[{"k":1},{"k":2}]`))
	text, err = e.Extract(path, "json")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"k\": 1\n}\n{\n  \"k\": 2\n}", text)

	path = writeFile(t, "bad.json", []byte(`{"k":`))
	_, err = e.Extract(path, "json")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeExtractionFailed))
}

func TestTextExtractor_Errors(t *testing.T) {
	e := NewTextExtractor()

	_, err := e.Extract(filepath.Join(t.TempDir(), "missing.txt"), "txt")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound))

	path := writeFile(t, "x.exe", []byte("MZ"))
	_, err = e.Extract(path, "exe")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnsupportedFormat))
	assert.False(t, apperrors.IsRetryable(err))

	// 二进制旧版 .doc 必须报错，不能近似处理
	path = writeFile(t, "legacy.doc", []byte("\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1binary"))
	_, err = e.Extract(path, "doc")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeExtractionFailed))
	assert.Contains(t, err.Error(), "legacy .doc")

	path = writeFile(t, "broken.docx", []byte("not a zip"))
	_, err = e.Extract(path, "docx")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeExtractionFailed))

	path = writeFile(t, "broken.pdf", []byte(strings.Repeat("garbage", 10)))
	_, err = e.Extract(path, "pdf")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeExtractionFailed))
}

// buildPDF 生成每页一段文字的最小 PDF，xref 偏移按实际字节计算
func buildPDF(pages ...string) []byte {
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}
	var kids []string
	for _, text := range pages {
		pageNum := len(objs) + 1
		kids = append(kids, fmt.Sprintf("%d 0 R", pageNum))
		content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", pageNum+1),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}
	objs[1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages))

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, obj := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func buildDocx(t *testing.T, paragraphs []string, rows [][]string) []byte {
	t.Helper()
	doc := docx.New()
	for _, p := range paragraphs {
		doc.AddParagraph().AddText(p)
	}
	if len(rows) > 0 {
		table := doc.AddTable(len(rows), len(rows[0]), 0, nil)
		for i, row := range rows {
			for j, cell := range row {
				table.TableRows[i].TableCells[j].AddParagraph().AddText(cell)
			}
		}
	}
	var buf bytes.Buffer
	_, err := doc.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestNewTextExtractor_UnlicensedUsesBasicParsers(t *testing.T) {
	require.False(t, UniDocLicensed())
	e := NewTextExtractor()
	assert.IsType(t, &BasicPDFParser{}, e.parsers[FormatPDF])
	assert.IsType(t, &BasicWordParser{}, e.parsers[FormatDocx])
	assert.IsType(t, &BasicWordParser{Legacy: true}, e.parsers[FormatDoc])

	err := ConfigureUniDocLicense("")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))
	assert.False(t, UniDocLicensed())
}

func TestTextExtractor_PDFPageMarkers(t *testing.T) {
	path := writeFile(t, "report.pdf", buildPDF("Hello page one", "Second page text"))

	text, err := NewTextExtractor().Extract(path, "")
	require.NoError(t, err)

	first := strings.Index(text, "Hello page one")
	marker1 := strings.Index(text, "[Page 1]")
	second := strings.Index(text, "Second page text")
	marker2 := strings.Index(text, "[Page 2]")
	require.True(t, first >= 0 && marker1 >= 0 && second >= 0 && marker2 >= 0, text)
	assert.True(t, first < marker1 && marker1 < second && second < marker2, text)
	assert.True(t, strings.HasSuffix(text, "[Page 2]"))
}

func TestTextExtractor_DocxParagraphsAndTables(t *testing.T) {
	content := buildDocx(t,
		[]string{"Quarterly summary", "Revenue grew"},
		[][]string{{"region", "total"}, {"north", "42"}},
	)
	path := writeFile(t, "summary.docx", content)

	text, err := NewTextExtractor().Extract(path, "")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly summary\nRevenue grew\nregion | total\nnorth | 42", text)
}

func TestTextExtractor_DocWithDocxContent(t *testing.T) {
	// 扩展名为 .doc 但内容是 docx 时按段落读取，不包含表格
	content := buildDocx(t, []string{"renamed document"}, [][]string{{"a", "b"}})
	path := writeFile(t, "renamed.doc", content)

	text, err := NewTextExtractor().Extract(path, "")
	require.NoError(t, err)
	assert.Equal(t, "renamed document", text)
}
