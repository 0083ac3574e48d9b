// Package extraction 实现文档文本提取
package extraction

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/unidoc/unioffice/document"
	"github.com/unidoc/unioffice/spreadsheet"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"

	"ai-knowledge-assistant/internal/domain/entity"
	apperrors "ai-knowledge-assistant/pkg/errors"
)

// Extractor 文本提取器接口
type Extractor interface {
	// SourceType 返回支持的来源类型
	SourceType() entity.SourceType

	// Extract 从原始内容中提取纯文本
	Extract(r io.Reader) (string, error)
}

// Registry 提取器注册表
// 按来源类型路由到对应提取器，来源类型集合固定
type Registry struct {
	extractors map[entity.SourceType]Extractor
}

// NewRegistry 创建提取器注册表
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[entity.SourceType]Extractor)}
	for _, e := range []Extractor{
		&TextExtractor{},
		&PDFExtractor{},
		&DocxExtractor{},
		&XlsxExtractor{},
	} {
		r.extractors[e.SourceType()] = e
	}
	return r
}

// Extract 按来源类型提取文本
func (r *Registry) Extract(sourceType entity.SourceType, reader io.Reader) (string, error) {
	e, ok := r.extractors[sourceType]
	if !ok {
		return "", apperrors.New(apperrors.CodeExtractionFailed,
			fmt.Sprintf("unsupported source type: %s", sourceType))
	}
	text, err := e.Extract(reader)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeExtractionFailed, "failed to extract text")
	}
	return text, nil
}

// Supported 返回支持的来源类型集合
func (r *Registry) Supported() []entity.SourceType {
	types := make([]entity.SourceType, 0, len(r.extractors))
	for t := range r.extractors {
		types = append(types, t)
	}
	return types
}

// TextExtractor 纯文本提取器
type TextExtractor struct{}

func (e *TextExtractor) SourceType() entity.SourceType { return entity.SourceTypeText }

func (e *TextExtractor) Extract(r io.Reader) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	return string(content), nil
}

// PDFExtractor PDF 文本提取器
type PDFExtractor struct{}

func (e *PDFExtractor) SourceType() entity.SourceType { return entity.SourceTypePDF }

func (e *PDFExtractor) Extract(r io.Reader) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}

	pdfReader, err := model.NewPdfReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse pdf: %w", err)
	}

	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return "", fmt.Errorf("failed to get page count: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= numPages; i++ {
		page, err := pdfReader.GetPage(i)
		if err != nil {
			continue
		}
		ex, err := extractor.New(page)
		if err != nil {
			continue
		}
		text, err := ex.ExtractText()
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// DocxExtractor Word 文档文本提取器
type DocxExtractor struct{}

func (e *DocxExtractor) SourceType() entity.SourceType { return entity.SourceTypeDocx }

func (e *DocxExtractor) Extract(r io.Reader) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}

	doc, err := document.Read(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("failed to parse docx: %w", err)
	}
	defer doc.Close()

	var sb strings.Builder
	for _, para := range doc.Paragraphs() {
		for _, run := range para.Runs() {
			sb.WriteString(run.Text())
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// XlsxExtractor Excel 文本提取器
// 每行单元格以制表符连接，保留工作表名称作为小节标题
type XlsxExtractor struct{}

func (e *XlsxExtractor) SourceType() entity.SourceType { return entity.SourceTypeXlsx }

func (e *XlsxExtractor) Extract(r io.Reader) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}

	ss, err := spreadsheet.Read(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("failed to parse xlsx: %w", err)
	}
	defer ss.Close()

	var sb strings.Builder
	for _, sheet := range ss.Sheets() {
		fmt.Fprintf(&sb, "%s\n", sheet.Name())
		for _, row := range sheet.Rows() {
			var cells []string
			for _, cell := range row.Cells() {
				cells = append(cells, cell.GetString())
			}
			if len(cells) > 0 {
				sb.WriteString(strings.Join(cells, "\t"))
				sb.WriteString("\n")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
