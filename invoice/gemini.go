package invoice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ffs/balance-engine/ledger"
	"google.golang.org/api/generativelanguage/v1beta"
	"google.golang.org/api/option"
)

const DefaultGeminiModel = "gemini-1.5-flash"

const extractionPrompt = `You read photos of shopping receipts and invoices.
Answer with one JSON object and nothing else, using exactly these keys:
{"vendor": string, "date": string (YYYY-MM-DD), "total": string, "currency": string (ISO 4217),
 "description": string, "items": [{"description": string, "amount": string}]}
Copy numbers as printed. Use "" for anything you cannot read. Do not guess the currency from the country.`

// GeminiExtractor asks a Gemini model to read the receipt.
type GeminiExtractor struct {
	svc   *generativelanguage.Service
	model string
}

// NewGeminiExtractor builds an extractor for apiKey. Extra client options
// (an endpoint for tests, for instance) are passed through.
func NewGeminiExtractor(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*GeminiExtractor, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	svc, err := generativelanguage.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &GeminiExtractor{svc: svc, model: model}, nil
}

var _ Extractor = (*GeminiExtractor)(nil)

func (g *GeminiExtractor) Extract(ctx context.Context, image []byte, mimeType string) (Extraction, error) {
	req := &generativelanguage.GenerateContentRequest{
		Contents: []*generativelanguage.Content{{
			Role: "user",
			Parts: []*generativelanguage.Part{
				{Text: extractionPrompt},
				{InlineData: &generativelanguage.Blob{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
			},
		}},
		GenerationConfig: &generativelanguage.GenerationConfig{
			ResponseMimeType: "application/json",
		},
	}

	resp, err := g.svc.Models.GenerateContent("models/"+g.model, req).Context(ctx).Do()
	if err != nil {
		return Extraction{}, &ledger.DependencyError{Op: "gemini generate content", Err: err}
	}
	text := responseText(resp)
	if text == "" {
		return Extraction{}, &ledger.DependencyError{Op: "gemini generate content", Err: errors.New("empty response")}
	}

	var ex Extraction
	if err := json.Unmarshal([]byte(stripFence(text)), &ex); err != nil {
		return Extraction{}, &ledger.DependencyError{Op: "gemini decode extraction", Err: err}
	}
	return ex, nil
}

func responseText(resp *generativelanguage.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		var sb strings.Builder
		for _, p := range c.Content.Parts {
			if p != nil {
				sb.WriteString(p.Text)
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}
	return ""
}

// stripFence removes a ```json ... ``` wrapper some models add anyway.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// =============================================================================
// PIPELINE
// =============================================================================

// Scan prepares the image, runs the extractor and normalizes the answer.
func Scan(ctx context.Context, ex Extractor, data []byte, mimeType string, fallback ledger.Currency, today ledger.Date) (Draft, error) {
	img, err := PrepareImage(data, mimeType)
	if err != nil {
		return Draft{}, err
	}
	raw, err := ex.Extract(ctx, img.Data, img.MimeType)
	if err != nil {
		return Draft{}, err
	}
	return Normalize(raw, fallback, today), nil
}
