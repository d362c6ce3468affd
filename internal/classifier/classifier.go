// Package classifier decides how a newly extracted field value relates to the
// active value: deterministic rules first, a model judge only when the rules
// cannot tell.
package classifier

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/travelroboto/trip-ingest/internal/agents"
	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/policy"
)

// Stage names which evaluation produced a decision.
const (
	StageRule  = "rule"
	StageJudge = "judge"
)

// Config holds the classifier thresholds.
type Config struct {
	// JudgeThreshold is the minimum verdict confidence acted upon.
	JudgeThreshold float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{JudgeThreshold: 0.9}
}

// Judge is the probabilistic conflict capability.
type Judge interface {
	JudgeConflict(ctx context.Context, oldValue, newValue string, fc agents.FieldContext) (model.ConflictVerdict, error)
}

// Input is one classification question.
type Input struct {
	TripID        string
	FieldName     string
	NewValue      string
	NewConfidence float64
	// Current is the active version, nil when the field has none.
	Current *model.FieldVersion
	Policy  policy.FieldPolicy
	// AnchorNew and AnchorCurrent are the document's and the trip's values of
	// the policy anchor field, empty when unknown.
	AnchorNew     string
	AnchorCurrent string
	BookingType   string
	Destination   string
}

// Result is a classification.
type Result struct {
	Decision model.Decision
	Stage    string
	// Rule names the deterministic rule that decided, if any.
	Rule string
	// Value is what should become active if the decision is applied. For
	// Identical it is the current value; merges produce a combined value.
	Value    string
	Verdict  *model.ConflictVerdict
	TimedOut bool
}

// Classifier implements the two-stage classification. It has no side effects.
type Classifier struct {
	judge Judge
	cfg   Config
}

// New creates a Classifier.
func New(judge Judge, cfg Config) *Classifier {
	if cfg.JudgeThreshold <= 0 {
		cfg.JudgeThreshold = DefaultConfig().JudgeThreshold
	}
	return &Classifier{judge: judge, cfg: cfg}
}

// Classify returns the decision for in. Judge failures, timeouts included,
// downgrade to Ambiguous so that nothing is applied without a human.
func (c *Classifier) Classify(ctx context.Context, in Input) Result {
	if in.Current == nil {
		return Result{Decision: model.DecisionNoCurrentValue, Stage: StageRule, Rule: "no_current_value", Value: in.NewValue}
	}
	if res, ok := applyRules(in); ok {
		res.Stage = StageRule
		return res
	}

	log := zap.L().With(
		zap.String("trip_id", in.TripID),
		zap.String("field", in.FieldName),
	)
	verdict, err := c.judge.JudgeConflict(ctx, in.Current.Value, in.NewValue, agents.FieldContext{
		FieldName:   in.FieldName,
		Kind:        string(in.Policy.Kind),
		BookingType: in.BookingType,
		Destination: in.Destination,
	})
	if err != nil {
		timedOut := errors.Is(err, model.ErrClassificationTimeout)
		if timedOut {
			log.Warn("classifier: judge timed out, treating as ambiguous")
		} else {
			log.Error("classifier: judge failed, treating as ambiguous", zap.Error(err))
		}
		return Result{Decision: model.DecisionAmbiguous, Stage: StageJudge, Value: in.NewValue, TimedOut: timedOut}
	}

	res := Result{Stage: StageJudge, Value: in.NewValue, Verdict: &verdict}
	switch {
	case verdict.Confidence < c.cfg.JudgeThreshold:
		res.Decision = model.DecisionAmbiguous
	case verdict.Conflict:
		res.Decision = model.DecisionConflicting
	default:
		res.Decision = model.DecisionComplementary
	}
	log.Debug("classifier: judged",
		zap.String("decision", string(res.Decision)),
		zap.Float64("confidence", verdict.Confidence),
	)
	return res
}
