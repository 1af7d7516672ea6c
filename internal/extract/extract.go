// Package extract turns fetched document bytes into plain text.
// Libraries used: github.com/ledongthuc/pdf and github.com/pdfcpu/pdfcpu (PDF),
// github.com/PuerkitoBio/goquery and github.com/JohannesKaufmann/html-to-markdown (HTML).
package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"caseanalysis-backend/internal/shared/telemetry"
)

// Variant selects the extraction strategy for a document.
type Variant string

const (
	VariantImage    Variant = "image"
	VariantHTML     Variant = "html"
	VariantDocument Variant = "document"
)

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeHTML = "text/html"
	mimeText = "text/plain"
)

var (
	// ErrUnsupportedType is returned for content no extractor understands.
	ErrUnsupportedType = errors.New("unsupported document type")
	// ErrOCRUnavailable is returned when an image needs OCR and none is configured.
	ErrOCRUnavailable = errors.New("ocr is not configured")
)

// Extractor is the capability the download stage depends on.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeHint string, fileName string) (string, error)
}

// Service dispatches extraction by variant.
type Service struct {
	OCR OCRClient
}

// NewService builds an extractor. ocr may be nil, in which case images fail
// and scanned PDFs yield empty text.
func NewService(ocr OCRClient) *Service {
	return &Service{OCR: ocr}
}

// Classify maps a mime type (and file name fallback) to a variant.
func Classify(mimeType string, fileName string) Variant {
	clean := cleanMime(mimeType)
	switch {
	case strings.HasPrefix(clean, "image/"):
		return VariantImage
	case clean == mimeHTML || clean == "application/xhtml+xml":
		return VariantHTML
	}
	if clean == "" || clean == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(fileName)) {
		case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".gif", ".bmp", ".webp":
			return VariantImage
		case ".html", ".htm", ".xhtml":
			return VariantHTML
		}
	}
	return VariantDocument
}

// Extract returns the document text. Unreadable content yields "" without an
// error so the caller can record an empty extraction.
func (s *Service) Extract(ctx context.Context, data []byte, mimeHint string, fileName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}
	mimeType := normalizeMimeType(mimeHint, fileName, data)

	switch Classify(mimeType, fileName) {
	case VariantImage:
		if s.OCR == nil {
			return "", ErrOCRUnavailable
		}
		text, err := s.OCR.Recognize(ctx, data, mimeType)
		if err != nil {
			return "", fmt.Errorf("ocr %s: %w", mimeType, err)
		}
		return strings.TrimSpace(text), nil
	case VariantHTML:
		return htmlToText(data), nil
	}

	switch mimeType {
	case mimePDF:
		return s.extractPDF(ctx, data, fileName)
	case mimeDOCX:
		text, err := extractDOCX(data)
		if err != nil {
			warnUnreadable(fileName, mimeType, err)
			return "", nil
		}
		return text, nil
	case mimeText, "text/markdown", "text/csv":
		if !utf8.Valid(data) {
			return strings.ToValidUTF8(string(data), ""), nil
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
}

func (s *Service) extractPDF(ctx context.Context, data []byte, fileName string) (string, error) {
	text, err := extractPDFText(data)
	if err != nil {
		warnUnreadable(fileName, mimePDF, err)
	}
	if strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text), nil
	}

	pages := pdfPageCount(data)
	if pages == 0 || s.OCR == nil {
		return "", nil
	}
	telemetry.Info("extract.pdf.ocr_fallback", map[string]any{
		"file_name": fileName,
		"pages":     pages,
	})
	ocrText, err := s.OCR.Recognize(ctx, data, mimePDF)
	if err != nil {
		return "", fmt.Errorf("ocr scanned pdf: %w", err)
	}
	return strings.TrimSpace(ocrText), nil
}

func warnUnreadable(fileName, mimeType string, err error) {
	telemetry.Warn("extract.unreadable", map[string]any{
		"file_name": fileName,
		"mime_type": mimeType,
		"error":     err,
	})
}

func cleanMime(mimeType string) string {
	return strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
}

func normalizeMimeType(mimeType string, fileName string, data []byte) string {
	clean := cleanMime(mimeType)
	if clean == "" || clean == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(fileName)) {
		case ".pdf":
			return mimePDF
		case ".docx":
			return mimeDOCX
		case ".txt":
			return mimeText
		case ".html", ".htm":
			return mimeHTML
		}
		clean = cleanMime(http.DetectContentType(data))
	}
	if clean != "application/zip" {
		return clean
	}

	if isDOCXArchive(data) || strings.EqualFold(filepath.Ext(fileName), ".docx") {
		return mimeDOCX
	}
	return clean
}

func isDOCXArchive(data []byte) bool {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if strings.ReplaceAll(f.Name, "\\", "/") == "word/document.xml" {
			return true
		}
	}
	return false
}
