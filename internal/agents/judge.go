package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"

	"github.com/travelroboto/trip-ingest/internal/llm"
	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/normalize"
)

// FieldContext is what the judge knows about the field under comparison.
type FieldContext struct {
	FieldName   string
	Kind        string
	BookingType string
	Destination string
}

// Judge asks a model whether two values of one field contradict each other.
// Verdicts are memoized because the same pair often recurs across
// re-forwarded documents.
type Judge struct {
	llm   llm.Completer
	cfg   ModelConfig
	cache *cache.Cache
}

// NewJudge creates a Judge. A zero ttl disables memoization.
func NewJudge(c llm.Completer, cfg ModelConfig, ttl time.Duration) *Judge {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	j := &Judge{llm: c, cfg: cfg}
	if ttl > 0 {
		j.cache = cache.New(ttl, 2*ttl)
	}
	return j
}

// JudgeConflict returns the model's verdict for oldValue against newValue.
// Errors, including model.ErrClassificationTimeout, are returned unchanged
// in the chain so the caller can downgrade them.
func (j *Judge) JudgeConflict(ctx context.Context, oldValue, newValue string, fc FieldContext) (model.ConflictVerdict, error) {
	key := strings.Join([]string{
		fc.FieldName, fc.Kind, normalize.Text(fc.BookingType), normalize.Text(fc.Destination),
		normalize.Text(oldValue), normalize.Text(newValue),
	}, "\x00")
	if j.cache != nil {
		if v, ok := j.cache.Get(key); ok {
			return v.(model.ConflictVerdict), nil
		}
	}

	answer, err := j.llm.Complete(ctx, llm.Request{
		Capability: "judge",
		Model:      j.cfg.Model,
		System:     judgeSystemText,
		Prompt: fmt.Sprintf(judgePrompt, fc.FieldName, orUnknown(fc.Kind),
			orUnknown(fc.BookingType), orUnknown(fc.Destination), oldValue, newValue),
		MaxTokens: j.cfg.MaxTokens,
	})
	if err != nil {
		return model.ConflictVerdict{}, eris.Wrap(err, "judge: model call")
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(cleanJSON(answer)), &raw); err != nil {
		return model.ConflictVerdict{}, eris.Wrap(err, "judge: parse verdict")
	}
	if raw.Conflict == nil {
		return model.ConflictVerdict{}, eris.New("judge: verdict has no conflict decision")
	}
	v := model.ConflictVerdict{Conflict: *raw.Conflict, Confidence: clamp01(raw.Confidence), Reasoning: raw.Reasoning}

	if j.cache != nil {
		j.cache.Set(key, v, cache.DefaultExpiration)
	}
	return v, nil
}

// rawVerdict keeps a missing decision distinguishable from "no conflict".
type rawVerdict struct {
	Conflict   *bool   `json:"conflict"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
