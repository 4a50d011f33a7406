package knowledge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/aihub/rag-pipeline/internal/logger"
	"github.com/unidoc/unioffice/document"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

// Format 声明的文档格式
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
	FormatDocx     Format = "docx"
	FormatDoc      Format = "doc"
	FormatJSON     Format = "json"
)

var formatAliases = map[string]Format{
	"pdf":      FormatPDF,
	"txt":      FormatText,
	"text":     FormatText,
	"md":       FormatMarkdown,
	"markdown": FormatMarkdown,
	"docx":     FormatDocx,
	"doc":      FormatDoc,
	"json":     FormatJSON,
}

// ParseFormat 将扩展名（可带点）映射为格式
func ParseFormat(ext string) (Format, error) {
	key := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if f, ok := formatAliases[key]; ok {
		return f, nil
	}
	return "", apperrors.NewUnsupportedFormatError(ext)
}

// FileParser 单一格式的解析器
type FileParser interface {
	Parse(content []byte) (string, error)
}

// TextParser 文本/markdown 解析器
type TextParser struct{}

func (p *TextParser) Parse(content []byte) (string, error) {
	return decodeText(content), nil
}

// decodeText UTF-8 优先，失败时按 latin-1 解码，后者不会失败
func decodeText(content []byte) string {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	if utf8.Valid(content) {
		return string(content)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(content)
	if err != nil {
		return string(content)
	}
	return string(decoded)
}

// JSONParser 以缩进格式重新输出 JSON，保留键顺序
type JSONParser struct{}

func (p *JSONParser) Parse(content []byte) (string, error) {
	raw := bytes.TrimSpace([]byte(decodeText(content)))
	if !json.Valid(raw) {
		return "", apperrors.NewExtractionError("invalid json document")
	}

	switch raw[0] {
	case '{':
		return indentJSON(raw)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return "", apperrors.NewExtractionError("decode json array").WithCause(err)
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			s, err := indentJSON(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, "\n"), nil
	default:
		// 顶层标量原样输出
		var scalar interface{}
		if err := json.Unmarshal(raw, &scalar); err != nil {
			return "", apperrors.NewExtractionError("decode json scalar").WithCause(err)
		}
		return fmt.Sprint(scalar), nil
	}
}

func indentJSON(raw []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return "", apperrors.NewExtractionError("indent json").WithCause(err)
	}
	return buf.String(), nil
}

// PDFParser 基于 unipdf 的解析器，需要先调用 ConfigureUniDocLicense，每页之后追加页码标记
type PDFParser struct{}

func (p *PDFParser) Parse(content []byte) (string, error) {
	pdfReader, err := model.NewPdfReader(bytes.NewReader(content))
	if err != nil {
		return "", apperrors.NewExtractionError("解析PDF失败").WithCause(err)
	}

	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return "", apperrors.NewExtractionError("获取PDF页数失败").WithCause(err)
	}

	var textBuilder strings.Builder
	for i := 1; i <= numPages; i++ {
		page, err := pdfReader.GetPage(i)
		if err != nil {
			return "", apperrors.NewExtractionError("read pdf page %d", i).WithCause(err)
		}
		ex, err := extractor.New(page)
		if err != nil {
			return "", apperrors.NewExtractionError("pdf page %d extractor", i).WithCause(err)
		}
		text, err := ex.ExtractText()
		if err != nil {
			return "", apperrors.NewExtractionError("extract text from pdf page %d", i).WithCause(err)
		}
		textBuilder.WriteString(text)
		writePageMarker(&textBuilder, i)
	}

	return textBuilder.String(), nil
}

// WordParser 基于 unioffice 的 docx 解析器：段落之后追加表格，单元格以 " | " 分隔
type WordParser struct {
	// Legacy 为 true 时只尝试按 docx 读取，失败即报告旧版 .doc 不支持
	Legacy bool
}

func (p *WordParser) Parse(content []byte) (string, error) {
	doc, err := document.Read(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", wordReadError(p.Legacy, err)
	}
	defer doc.Close()

	var textBuilder strings.Builder
	for _, para := range doc.Paragraphs() {
		textBuilder.WriteString(paragraphText(para))
		textBuilder.WriteString("\n")
	}
	if p.Legacy {
		return textBuilder.String(), nil
	}

	for _, table := range doc.Tables() {
		for _, row := range table.Rows() {
			cells := make([]string, 0, len(row.Cells()))
			for _, cell := range row.Cells() {
				var cellText []string
				for _, para := range cell.Paragraphs() {
					cellText = append(cellText, paragraphText(para))
				}
				cells = append(cells, strings.Join(cellText, "\n"))
			}
			writeTableRow(&textBuilder, cells)
		}
	}
	return textBuilder.String(), nil
}

func wordReadError(legacy bool, err error) error {
	if legacy {
		return apperrors.NewExtractionError("legacy .doc format is not supported, convert the file to .docx or .txt").WithCause(err)
	}
	return apperrors.NewExtractionError("解析Word文档失败").WithCause(err)
}

func writePageMarker(sb *strings.Builder, page int) {
	fmt.Fprintf(sb, "\n[Page %d]\n", page)
}

// writeTableRow 单元格以 " | " 连接，一行一条
func writeTableRow(sb *strings.Builder, cells []string) {
	sb.WriteString(strings.Join(cells, " | "))
	sb.WriteString("\n")
}

func paragraphText(para document.Paragraph) string {
	var sb strings.Builder
	for _, run := range para.Runs() {
		sb.WriteString(run.Text())
	}
	return sb.String()
}

// TextExtractor 按声明格式把文件转换为纯文本
type TextExtractor struct {
	parsers map[Format]FileParser
	log     *zap.Logger
}

// NewTextExtractor 创建抽取器。配置了 UniDoc 授权时 PDF/docx 走 unipdf/unioffice，
// 否则使用无需授权的解析器
func NewTextExtractor() *TextExtractor {
	log := logger.Named("extractor")
	e := &TextExtractor{
		parsers: map[Format]FileParser{
			FormatText:     &TextParser{},
			FormatMarkdown: &TextParser{},
			FormatJSON:     &JSONParser{},
		},
		log: log,
	}
	if UniDocLicensed() {
		e.parsers[FormatPDF] = &PDFParser{}
		e.parsers[FormatDocx] = &WordParser{}
		e.parsers[FormatDoc] = &WordParser{Legacy: true}
	} else {
		e.parsers[FormatPDF] = &BasicPDFParser{}
		e.parsers[FormatDocx] = &BasicWordParser{}
		e.parsers[FormatDoc] = &BasicWordParser{Legacy: true}
	}
	return e
}

// Extract 读取 path 并按 declaredFormat 抽取，declaredFormat 为空时取文件扩展名
func (e *TextExtractor) Extract(path, declaredFormat string) (string, error) {
	if declaredFormat == "" {
		declaredFormat = filepath.Ext(path)
	}
	format, err := ParseFormat(declaredFormat)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.NewNotFoundError("document file", path)
		}
		return "", apperrors.NewExtractionError("open %s", path).WithCause(err).AsTransient()
	}
	defer f.Close()

	return e.ExtractReader(f, format)
}

// ExtractReader 从已打开的流中抽取
func (e *TextExtractor) ExtractReader(r io.Reader, format Format) (string, error) {
	parser, ok := e.parsers[format]
	if !ok {
		return "", apperrors.NewUnsupportedFormatError(string(format))
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return "", apperrors.NewExtractionError("read document").WithCause(err).AsTransient()
	}

	text, err := parser.Parse(content)
	if err != nil {
		e.log.Warn("extraction failed", zap.String("format", string(format)), zap.Error(err))
		return "", err
	}
	text = strings.TrimSpace(text)
	e.log.Debug("text extracted", zap.String("format", string(format)), zap.Int("chars", utf8.RuneCountInString(text)))
	return text, nil
}
