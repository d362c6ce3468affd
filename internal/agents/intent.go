package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/travelroboto/trip-ingest/internal/llm"
	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/normalize"
)

// ReplyContext is the question the reply answers.
type ReplyContext struct {
	FieldName string
	OldValue  string
	NewValue  string
}

// IntentClassifier classifies replies to confirmation requests.
type IntentClassifier struct {
	llm llm.Completer
	cfg ModelConfig
}

// NewIntentClassifier creates an IntentClassifier.
func NewIntentClassifier(c llm.Completer, cfg ModelConfig) *IntentClassifier {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 128
	}
	return &IntentClassifier{llm: c, cfg: cfg}
}

var (
	acceptWords = map[string]bool{
		"yes": true, "y": true, "accept": true, "confirm": true, "confirmed": true,
		"ok": true, "okay": true, "update": true, "use new": true, "yes please": true,
	}
	rejectWords = map[string]bool{
		"no": true, "n": true, "reject": true, "keep": true, "keep current": true,
		"keep old": true, "no thanks": true, "ignore": true,
	}
)

// ClassifyReplyIntent returns accept, reject or clarify for replyText.
// Single-word answers are decided without a model call.
func (c *IntentClassifier) ClassifyReplyIntent(ctx context.Context, replyText string, rc ReplyContext) (model.IntentVerdict, error) {
	folded := normalize.Text(replyText)
	switch {
	case folded == "":
		return model.IntentVerdict{Intent: model.IntentClarify}, nil
	case acceptWords[folded]:
		return model.IntentVerdict{Intent: model.IntentAccept, Confidence: 1}, nil
	case rejectWords[folded]:
		return model.IntentVerdict{Intent: model.IntentReject, Confidence: 1}, nil
	}

	answer, err := c.llm.Complete(ctx, llm.Request{
		Capability: "intent",
		Model:      c.cfg.Model,
		System:     intentSystemText,
		Prompt:     fmt.Sprintf(intentPrompt, strings.ReplaceAll(rc.FieldName, "_", " "), rc.OldValue, rc.NewValue, replyText),
		MaxTokens:  c.cfg.MaxTokens,
	})
	if err != nil {
		return model.IntentVerdict{}, eris.Wrap(err, "intent: model call")
	}

	var v model.IntentVerdict
	if err := json.Unmarshal([]byte(cleanJSON(answer)), &v); err != nil {
		return model.IntentVerdict{}, eris.Wrap(err, "intent: parse verdict")
	}
	v.Intent = model.ReplyIntent(strings.ToLower(strings.TrimSpace(string(v.Intent))))
	switch v.Intent {
	case model.IntentAccept, model.IntentReject, model.IntentClarify:
	default:
		v.Intent = model.IntentClarify
		v.Confidence = 0
	}
	v.Confidence = clamp01(v.Confidence)
	return v, nil
}
