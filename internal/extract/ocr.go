package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// OCRClient recognizes text in images and scanned PDFs.
type OCRClient interface {
	Recognize(ctx context.Context, data []byte, mimeType string) (string, error)
}

const (
	mistralBaseURL = "https://api.mistral.ai/v1"
	mistralModel   = "mistral-ocr-latest"
)

// MistralOCRConfig holds configuration for the Mistral OCR client.
type MistralOCRConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// MistralOCR implements OCRClient using the Mistral OCR API.
type MistralOCR struct {
	apiKey  string
	baseURL string
	model   string
	limiter *rate.Limiter
	client  *http.Client
}

// NewMistralOCR creates a paced Mistral OCR client.
func NewMistralOCR(cfg MistralOCRConfig) *MistralOCR {
	if cfg.BaseURL == "" {
		cfg.BaseURL = mistralBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = mistralModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 6
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &MistralOCR{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type mistralOCRRequest struct {
	Model    string          `json:"model"`
	Document mistralDocument `json:"document"`
}

type mistralDocument struct {
	Type        string `json:"type"`
	ImageURL    string `json:"image_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
}

type mistralOCRResponse struct {
	Model string `json:"model"`
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

type mistralErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

// Recognize sends the payload inline as a data URL and joins page markdown.
func (c *MistralOCR) Recognize(ctx context.Context, data []byte, mimeType string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	doc := mistralDocument{Type: "image_url", ImageURL: dataURL}
	if mimeType == mimePDF {
		doc = mistralDocument{Type: "document_url", DocumentURL: dataURL}
	}
	payload, err := json.Marshal(mistralOCRRequest{Model: c.model, Document: doc})
	if err != nil {
		return "", fmt.Errorf("marshal ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read ocr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp mistralErrorResponse
		if json.Unmarshal(body, &errResp) == nil {
			if msg := firstNonEmpty(errResp.Error.Message, errResp.Message); msg != "" {
				return "", fmt.Errorf("mistral ocr status %d: %s", resp.StatusCode, msg)
			}
		}
		return "", fmt.Errorf("mistral ocr status %d", resp.StatusCode)
	}

	var parsed mistralOCRResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode ocr response: %w", err)
	}
	parts := make([]string, 0, len(parsed.Pages))
	for _, page := range parsed.Pages {
		if text := strings.TrimSpace(page.Markdown); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ OCRClient = (*MistralOCR)(nil)
