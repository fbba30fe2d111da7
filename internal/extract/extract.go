// Package extract maps normalized OCR text to structured reprogramming
// records by calling an external inference endpoint.
//
// The response is decoded into untyped maps first and then validated into
// the fixed record shape; a single malformed record invalidates the whole
// extraction. No retries: the caller re-submits the request.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/budgetscan/pdf-ocr-service/internal/config"
	"github.com/budgetscan/pdf-ocr-service/internal/types"
)

// Extractor holds the model handle and call limits. Immutable after New.
type Extractor struct {
	model     llms.Model
	maxTokens int
}

// New builds an extractor against an OpenAI-compatible endpoint from config.
func New(cfg config.Config) (*Extractor, error) {
	if strings.TrimSpace(cfg.InferenceAPIKey) == "" {
		return nil, fmt.Errorf("missing inference API key")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.InferenceAPIKey),
		openai.WithModel(cfg.InferenceModel),
	}
	if cfg.InferenceBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.InferenceBaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating inference client: %w", err)
	}
	return &Extractor{model: model, maxTokens: cfg.InferenceMaxTokens}, nil
}

// NewWithModel wires an existing model, used by tests.
func NewWithModel(m llms.Model, maxTokens int) *Extractor {
	return &Extractor{model: m, maxTokens: maxTokens}
}

// Extract sends the document text to the inference endpoint and parses the
// returned JSON array into records. Any failure (unreachable endpoint,
// non-JSON payload, record missing a required key) fails the whole call.
func (e *Extractor) Extract(ctx context.Context, document string) ([]types.ExtractionRecord, error) {
	resp, err := e.model.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt()),
			llms.TextParts(llms.ChatMessageTypeHuman, document),
		},
		llms.WithMaxTokens(e.maxTokens),
		llms.WithTemperature(0),
		llms.WithJSONMode(),
	)
	if err != nil {
		return nil, fmt.Errorf("inference call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("inference returned no choices")
	}
	return parseRecords(resp.Choices[0].Content)
}

func systemPrompt() string {
	var b strings.Builder
	b.WriteString("You extract budget reprogramming line items from OCR text of DoD reprogramming action documents.\n")
	b.WriteString("Return ONLY a JSON array. Each element is one line item with exactly these keys:\n\n")
	for _, f := range Schema() {
		fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Description)
	}
	b.WriteString("\nRules:\n")
	b.WriteString("- Amounts are in thousands of dollars as printed; keep the sign, drop commas and currency symbols.\n")
	b.WriteString("- Use JSON numbers for numeric fields when possible, otherwise the printed string.\n")
	b.WriteString("- Use null for values the document does not show. Do not invent values.\n")
	b.WriteString("- One element per reprogramming line item, in document order.\n")
	b.WriteString("- No prose, no markdown, no wrapper object: a bare JSON array only.")
	return b.String()
}

// parseRecords decodes the model output. Markdown code fences are tolerated,
// and so is a single-key object wrapping the array (some endpoints force an
// object at the top level in JSON mode). Anything else is an error.
func parseRecords(content string) ([]types.ExtractionRecord, error) {
	raw, err := decodeArray(content)
	if err != nil {
		return nil, err
	}
	records := make([]types.ExtractionRecord, 0, len(raw))
	for i, obj := range raw {
		rec, err := recordFromMap(obj)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeArray(content string) ([]map[string]any, error) {
	content = stripFences(content)

	var arr []map[string]any
	if err := json.Unmarshal([]byte(content), &arr); err == nil {
		return arr, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &obj); err == nil {
		for _, v := range obj {
			if err := json.Unmarshal(v, &arr); err == nil {
				return arr, nil
			}
		}
	}
	return nil, fmt.Errorf("response is not a JSON array of objects")
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// recordFromMap validates one untyped object into a record. Unknown keys are
// ignored (superset tolerated); a missing required key rejects the record,
// which in turn rejects the whole extraction.
func recordFromMap(obj map[string]any) (types.ExtractionRecord, error) {
	var rec types.ExtractionRecord

	values := make([]string, 0, len(Schema()))
	for _, f := range Schema() {
		v, ok := obj[f.Name]
		if !ok && f.Required {
			return rec, fmt.Errorf("missing required key %q", f.Name)
		}
		s := stringify(v)
		if f.Numeric {
			s = normalizeNumeric(s)
		}
		values = append(values, s)
	}

	rec.AppropriationCategory = values[0]
	rec.AppropriationCode = values[1]
	rec.AppropriationActivity = values[2]
	rec.Branch = values[3]
	rec.FiscalYearStart = values[4]
	rec.FiscalYearEnd = values[5]
	rec.BudgetActivityNumber = values[6]
	rec.BudgetActivityTitle = values[7]
	rec.PEM = values[8]
	rec.BudgetTitle = values[9]
	rec.ProgramBaseCongressional = values[10]
	rec.ProgramBaseDoD = values[11]
	rec.ReprogrammingAmount = values[12]
	rec.RevisedProgramTotal = values[13]
	rec.Explanation = values[14]
	return rec, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// normalizeNumeric validates amounts and fiscal years. Printed artifacts
// (commas, "$", a leading "+") are stripped; anything that still is not a
// plain signed number becomes empty rather than being coerced.
func normalizeNumeric(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimPrefix(s, "+")
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return ""
	}
	return s
}
