// Package agents holds the model-backed capabilities of the pipeline:
// document extraction, conflict judgement and reply intent. They return
// typed advice and never write state.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/travelroboto/trip-ingest/internal/llm"
	"github.com/travelroboto/trip-ingest/internal/model"
)

// maxDocumentChars bounds the text sent to the extractor.
const maxDocumentChars = 30000

// ModelConfig selects the model for one capability.
type ModelConfig struct {
	Model     string
	MaxTokens int64
}

// Extractor turns document text into an ExtractionResult.
type Extractor struct {
	llm llm.Completer
	cfg ModelConfig
}

// NewExtractor creates an Extractor.
func NewExtractor(c llm.Completer, cfg ModelConfig) *Extractor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Extractor{llm: c, cfg: cfg}
}

type rawExtraction struct {
	BookingType   string                     `json:"booking_type"`
	Fields        map[string]json.RawMessage `json:"fields"`
	MissingFields []string                   `json:"missing_fields"`
}

type rawField struct {
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence"`
}

// Extract calls the model and parses its answer. It fails with
// model.ErrExtractionFailed when the answer is not usable: unparsable JSON,
// no fields object, or a fields object none of whose entries parse. A
// well-formed empty fields object is a legitimate zero-fact result.
func (e *Extractor) Extract(ctx context.Context, text string) (*model.ExtractionResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, eris.Wrap(model.ErrExtractionFailed, "empty document text")
	}
	text = truncate(text, maxDocumentChars)

	answer, err := e.llm.Complete(ctx, llm.Request{
		Capability: "extract",
		Model:      e.cfg.Model,
		System:     extractSystemText,
		Prompt:     fmt.Sprintf(extractPrompt, text),
		MaxTokens:  e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: model call")
	}
	return parseExtraction(answer)
}

func parseExtraction(answer string) (*model.ExtractionResult, error) {
	var raw rawExtraction
	if err := json.Unmarshal([]byte(cleanJSON(answer)), &raw); err != nil {
		return nil, eris.Wrapf(model.ErrExtractionFailed, "unparsable extractor output: %v", err)
	}
	if raw.Fields == nil {
		return nil, eris.Wrap(model.ErrExtractionFailed, "extractor output has no fields object")
	}

	res := &model.ExtractionResult{
		BookingType: strings.ToLower(strings.TrimSpace(raw.BookingType)),
		Fields:      make(map[string]model.ExtractedField, len(raw.Fields)),
	}
	missing := make(map[string]struct{})
	for _, m := range raw.MissingFields {
		if name := FieldName(m); name != "" {
			missing[name] = struct{}{}
		}
	}

	// Keys are visited in sorted order so that spellings which canonicalize
	// to the same name resolve the same way on every run.
	keys := make([]string, 0, len(raw.Fields))
	for key := range raw.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var malformed int
	for _, key := range keys {
		name := FieldName(key)
		if name == "" {
			malformed++
			continue
		}
		var f rawField
		if err := json.Unmarshal(raw.Fields[key], &f); err != nil {
			malformed++
			zap.L().Debug("extract: skipping malformed field", zap.String("field", key), zap.Error(err))
			continue
		}
		if f.Value == nil || strings.TrimSpace(model.ValueString(f.Value)) == "" {
			missing[name] = struct{}{}
			continue
		}
		conf := 0.5
		if f.Confidence != nil {
			conf = clamp01(*f.Confidence)
		}
		next := model.ExtractedField{Value: f.Value, Confidence: conf}
		if prev, ok := res.Fields[name]; ok {
			// Highest confidence wins; on a tie the earlier key is kept.
			kept, lost := prev, next
			if next.Confidence > prev.Confidence {
				kept, lost = next, prev
			}
			next = kept
			res.Collisions = append(res.Collisions, model.FieldCollision{
				FieldName:  name,
				RawKey:     key,
				Value:      lost.Value,
				Confidence: lost.Confidence,
			})
			zap.L().Warn("extract: duplicate field spelling, keeping higher confidence value",
				zap.String("field", name),
				zap.String("raw_key", key),
				zap.String("kept", model.ValueString(kept.Value)),
				zap.String("dropped", model.ValueString(lost.Value)),
			)
		}
		res.Fields[name] = next
		delete(missing, name)
	}

	if len(raw.Fields) > 0 && malformed == len(raw.Fields) {
		return nil, eris.Wrap(model.ErrExtractionFailed, "no extractor field could be parsed")
	}
	for name := range missing {
		if _, ok := res.Fields[name]; !ok {
			res.MissingFields = append(res.MissingFields, name)
		}
	}
	if res.BookingType == "" {
		res.BookingType = "other"
	}
	sort.Strings(res.MissingFields)
	return res, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var nonFieldChars = regexp.MustCompile(`[^a-z0-9_]+`)

// FieldName canonicalizes a field name to lowercase snake_case. Names are
// used as JSON paths in trip structured data, so nothing outside [a-z0-9_]
// survives.
func FieldName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(s)
	s = nonFieldChars.ReplaceAllString(s, "")
	return strings.Trim(s, "_")
}
