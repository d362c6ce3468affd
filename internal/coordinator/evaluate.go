package coordinator

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/travelroboto/trip-ingest/internal/classifier"
	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/normalize"
	"github.com/travelroboto/trip-ingest/internal/policy"
	"github.com/travelroboto/trip-ingest/internal/resilience"
	"github.com/travelroboto/trip-ingest/internal/store"
)

// Evaluation is one extracted value arriving for one trip field.
type Evaluation struct {
	TripID      string
	FieldName   string
	Value       string
	Confidence  float64
	OwnerUserID string
	Provenance  model.Provenance
	BookingType string
	Destination string
	// Siblings are the other values extracted from the same document.
	Siblings map[string]string
}

// Evaluate runs the state machine for one field from Evaluating to its
// first settled state. Every path writes a FieldVersion. A concurrent write
// to the same field triggers re-evaluation against the new active version,
// up to MaxVersionRetries times; after that, or on any other error, the
// outcome is StateFailed. Errors never escape: siblings are unaffected.
func (c *Coordinator) Evaluate(ctx context.Context, ev Evaluation) model.FieldOutcome {
	out := model.FieldOutcome{FieldName: ev.FieldName, Value: ev.Value, State: model.StateEvaluating}

	retry := resilience.RetryConfig{
		MaxAttempts:    c.cfg.MaxVersionRetries + 1,
		InitialBackoff: c.cfg.RetryBackoff,
		ShouldRetry:    resilience.RetryOn(model.ErrVersionConflict),
		OnRetry:        resilience.RetryLogger("coordinator", "evaluate "+ev.FieldName),
	}
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		var err error
		out, err = c.evaluateOnce(ctx, ev)
		return err
	})
	if err != nil {
		out.State = model.StateFailed
		out.Error = err.Error()
		zap.L().Error("coordinator: field evaluation failed",
			zap.String("trip_id", ev.TripID),
			zap.String("field", ev.FieldName),
			zap.Bool("version_conflict", errors.Is(err, model.ErrVersionConflict)),
			zap.Error(err),
		)
	}
	return out
}

func (c *Coordinator) evaluateOnce(ctx context.Context, ev Evaluation) (model.FieldOutcome, error) {
	out := model.FieldOutcome{FieldName: ev.FieldName, Value: ev.Value, State: model.StateEvaluating}

	unlock, err := c.lockField(ctx, ev.TripID, ev.FieldName)
	if err != nil {
		return out, err
	}
	defer unlock()

	current, err := c.store.GetActiveVersion(ctx, ev.TripID, ev.FieldName)
	if err != nil {
		return out, eris.Wrap(err, "coordinator: read active version")
	}
	pol := c.policy.For(ev.FieldName)

	in := classifier.Input{
		TripID:        ev.TripID,
		FieldName:     ev.FieldName,
		NewValue:      ev.Value,
		NewConfidence: ev.Confidence,
		Current:       current,
		Policy:        pol,
		BookingType:   ev.BookingType,
		Destination:   ev.Destination,
	}
	if pol.Anchor != "" {
		in.AnchorNew = ev.Siblings[pol.Anchor]
		anchor, err := c.store.GetActiveVersion(ctx, ev.TripID, pol.Anchor)
		if err != nil {
			return out, eris.Wrap(err, "coordinator: read anchor version")
		}
		if anchor != nil {
			in.AnchorCurrent = anchor.Value
		}
	}

	res := c.classifier.Classify(ctx, in)
	out.Decision = res.Decision
	out.Stage = res.Stage

	log := zap.L().With(
		zap.String("trip_id", ev.TripID),
		zap.String("field", ev.FieldName),
		zap.String("decision", string(res.Decision)),
		zap.String("stage", res.Stage),
	)

	v := c.newVersion(ev, res, current)
	expected := ""
	if current != nil {
		expected = current.ID
	}

	switch res.Decision {
	case model.DecisionNoCurrentValue, model.DecisionIdentical, model.DecisionComplementary:
		return c.apply(ctx, out, v, expected, log)

	case model.DecisionConflicting:
		if pol.RequiresConfirmation() {
			return c.await(ctx, out, v, current, ev.OwnerUserID, log)
		}
		if pol.OnConflict == policy.ConflictTakeNewer {
			return c.apply(ctx, out, v, expected, log)
		}
		v.Resolution = &model.Resolution{ResolvedBy: "policy", Outcome: "kept_current", ResolvedAt: c.now().UTC()}
		if err := c.store.RecordConflict(ctx, v, nil); err != nil {
			return out, eris.Wrap(err, "coordinator: record auto-rejected version")
		}
		out.State = model.StateAutoRejected
		out.VersionID = v.ID
		log.Info("coordinator: kept current value by policy")
		return out, nil

	default:
		// Ambiguous never resolves without a human.
		return c.await(ctx, out, v, current, ev.OwnerUserID, log)
	}
}

func (c *Coordinator) newVersion(ev Evaluation, res classifier.Result, current *model.FieldVersion) *model.FieldVersion {
	prov := ev.Provenance
	src := make(map[string]any, len(prov.Source)+1)
	for k, v := range prov.Source {
		src[k] = v
	}
	classification := map[string]any{
		"decision": string(res.Decision),
		"stage":    res.Stage,
	}
	if res.Rule != "" {
		classification["rule"] = res.Rule
	}
	if res.Verdict != nil {
		classification["verdict_conflict"] = res.Verdict.Conflict
		classification["verdict_confidence"] = res.Verdict.Confidence
	}
	if res.TimedOut {
		classification["timed_out"] = true
	}
	src["classification"] = classification
	prov.Source = src

	conf := ev.Confidence
	if res.Decision == model.DecisionIdentical && current != nil && current.Confidence > conf {
		conf = current.Confidence
	}
	return &model.FieldVersion{
		TripID:     ev.TripID,
		FieldName:  ev.FieldName,
		Value:      res.Value,
		Provenance: prov,
		Confidence: conf,
	}
}

func (c *Coordinator) apply(ctx context.Context, out model.FieldOutcome, v *model.FieldVersion, expected string, log *zap.Logger) (model.FieldOutcome, error) {
	if err := c.store.ApplyVersion(ctx, v, expected); err != nil {
		return out, eris.Wrap(err, "coordinator: apply version")
	}
	out.State = model.StateAutoApplied
	out.VersionID = v.ID
	out.Value = v.Value
	log.Info("coordinator: auto-applied")
	return out, nil
}

// await records v as a conflicted candidate behind a confirmation request.
// If a pending request already proposes the same value for this field, the
// candidate is recorded against it instead of asking the user twice.
func (c *Coordinator) await(ctx context.Context, out model.FieldOutcome, v *model.FieldVersion, current *model.FieldVersion, owner string, log *zap.Logger) (model.FieldOutcome, error) {
	pending, err := c.store.ListConfirmations(ctx, store.ConfirmationFilter{TripID: v.TripID, State: model.ConfirmationPending})
	if err != nil {
		return out, eris.Wrap(err, "coordinator: list pending confirmations")
	}
	for i := range pending {
		p := pending[i]
		if p.FieldName != v.FieldName || normalize.Text(p.NewValue) != normalize.Text(v.Value) {
			continue
		}
		v.Resolution = &model.Resolution{ResolvedBy: "coordinator", Outcome: "duplicate", ConfirmationID: p.ID, ResolvedAt: c.now().UTC()}
		if err := c.store.RecordConflict(ctx, v, nil); err != nil {
			return out, eris.Wrap(err, "coordinator: record duplicate candidate")
		}
		out.State = model.StateAwaitingConfirmation
		out.VersionID = v.ID
		out.ConfirmationID = p.ID
		out.CorrelationToken = p.CorrelationToken
		log.Info("coordinator: candidate joins pending confirmation", zap.String("confirmation_id", p.ID))
		return out, nil
	}

	req := &model.ConfirmationRequest{OwnerUserID: owner, CreatedAt: c.now().UTC()}
	if current != nil {
		req.ActiveVersionID = current.ID
		req.OldValue = current.Value
	}
	if err := c.store.RecordConflict(ctx, v, req); err != nil {
		return out, eris.Wrap(err, "coordinator: record conflict")
	}
	out.State = model.StateAwaitingConfirmation
	out.VersionID = v.ID
	out.ConfirmationID = req.ID
	out.CorrelationToken = req.CorrelationToken
	log.Info("coordinator: awaiting confirmation", zap.String("confirmation_id", req.ID))

	// The request is durable; a failed send is recoverable through Resend.
	if err := c.notifier.Send(ctx, req.Message()); err != nil {
		log.Error("coordinator: send confirmation failed", zap.String("confirmation_id", req.ID), zap.Error(err))
	}
	return out, nil
}
