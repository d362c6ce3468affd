package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/travelroboto/trip-ingest/internal/agents"
	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/store"
	"github.com/travelroboto/trip-ingest/internal/summary"
)

// HandleReply resumes the request the reply's correlation token names.
// Unknown tokens and requests that are no longer pending are logged and
// ignored, so duplicate and late deliveries are safe.
func (c *Coordinator) HandleReply(ctx context.Context, reply model.UserReply) (*model.ReplyOutcome, error) {
	log := zap.L().With(zap.String("correlation_token", reply.CorrelationToken))

	req, err := c.store.GetConfirmationByToken(ctx, reply.CorrelationToken)
	if errors.Is(err, model.ErrNotFound) {
		log.Warn("coordinator: reply for unknown correlation token")
		return &model.ReplyOutcome{Ignored: true, Reason: "unknown correlation token"}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: look up confirmation")
	}

	out := &model.ReplyOutcome{ConfirmationID: req.ID, TripID: req.TripID, FieldName: req.FieldName}
	log = log.With(zap.String("confirmation_id", req.ID), zap.String("trip_id", req.TripID), zap.String("field", req.FieldName))
	if req.State != model.ConfirmationPending {
		log.Warn("coordinator: stale confirmation reply", zap.String("state", string(req.State)))
		return stale(out, req.State), nil
	}

	verdict, err := c.intents.ClassifyReplyIntent(ctx, reply.ReplyText, agents.ReplyContext{
		FieldName: req.FieldName,
		OldValue:  req.OldValue,
		NewValue:  req.NewValue,
	})
	if err != nil {
		// Leave the request pending; the user can answer again.
		log.Warn("coordinator: reply intent unavailable, request stays pending", zap.Error(err))
		out.State = model.StateAwaitingConfirmation
		out.Reason = "intent classification failed"
		return out, nil
	}
	out.Intent = verdict.Intent

	if verdict.Intent != model.IntentClarify && verdict.Confidence < c.cfg.IntentThreshold {
		log.Info("coordinator: reply intent below threshold, request stays pending",
			zap.String("intent", string(verdict.Intent)), zap.Float64("confidence", verdict.Confidence))
		out.State = model.StateAwaitingConfirmation
		out.Reason = "reply intent unclear"
		return out, nil
	}

	switch verdict.Intent {
	case model.IntentAccept:
		return c.accept(ctx, req, out, log)
	case model.IntentReject:
		return c.reject(ctx, req, out, log)
	default:
		return c.clarify(ctx, req, reply, out, log)
	}
}

func stale(out *model.ReplyOutcome, state model.ConfirmationState) *model.ReplyOutcome {
	out.Ignored = true
	out.Reason = "confirmation is " + string(state)
	return out
}

func (c *Coordinator) accept(ctx context.Context, req *model.ConfirmationRequest, out *model.ReplyOutcome, log *zap.Logger) (*model.ReplyOutcome, error) {
	unlock, err := c.lockField(ctx, req.TripID, req.FieldName)
	if err != nil {
		return nil, err
	}
	promoted, err := c.store.AcceptConfirmation(ctx, req.ID, model.Resolution{
		ResolvedBy: "user",
		Outcome:    string(model.ConfirmationAccepted),
		ResolvedAt: c.now().UTC(),
	})
	unlock()
	if errors.Is(err, model.ErrStaleReply) {
		log.Warn("coordinator: confirmation resolved concurrently")
		return stale(out, "no longer pending"), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "coordinator: accept confirmation %s", req.ID)
	}

	out.State = model.StateApplied
	log.Info("coordinator: confirmation accepted", zap.String("version_id", promoted.ID))
	c.refresh(ctx, req.TripID)
	return out, nil
}

func (c *Coordinator) reject(ctx context.Context, req *model.ConfirmationRequest, out *model.ReplyOutcome, log *zap.Logger) (*model.ReplyOutcome, error) {
	err := c.store.CloseConfirmation(ctx, req.ID, model.ConfirmationRejected, model.Resolution{
		ResolvedBy: "user",
		Outcome:    string(model.ConfirmationRejected),
		ResolvedAt: c.now().UTC(),
	})
	if errors.Is(err, model.ErrStaleReply) {
		log.Warn("coordinator: confirmation resolved concurrently")
		return stale(out, "no longer pending"), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "coordinator: reject confirmation %s", req.ID)
	}
	out.State = model.StateDiscarded
	log.Info("coordinator: confirmation rejected")
	return out, nil
}

// clarify feeds the reply text back through ingestion pinned to the
// request's trip. The request itself stays pending.
func (c *Coordinator) clarify(ctx context.Context, req *model.ConfirmationRequest, reply model.UserReply, out *model.ReplyOutcome, log *zap.Logger) (*model.ReplyOutcome, error) {
	out.State = model.StateAwaitingConfirmation
	if c.clarifier == nil {
		log.Warn("coordinator: clarification received but no ingest pipeline is wired")
		out.Reason = "clarification not processed"
		return out, nil
	}

	received := reply.ReceivedAt
	if received.IsZero() {
		received = c.now().UTC()
	}
	doc := &model.IncomingDocument{
		SourceID:    ClarificationSourceID(reply),
		Text:        reply.ReplyText,
		ReceivedAt:  received,
		OwnerUserID: req.OwnerUserID,
		TripHint:    req.TripID,
	}
	res, err := c.clarifier.IngestClarification(ctx, doc)
	if err != nil {
		// An unusable clarification is the user's problem to restate, not ours.
		log.Warn("coordinator: clarification ingest failed", zap.Error(err))
		out.Reason = "clarification could not be processed"
		return out, nil
	}
	out.Clarification = res
	log.Info("coordinator: clarification ingested", zap.String("source_id", doc.SourceID))
	return out, nil
}

// ClarificationSourceID keys a clarifying reply so that re-delivery of the
// same reply text is idempotent.
func ClarificationSourceID(reply model.UserReply) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(reply.ReplyText)))
	return "reply:" + reply.CorrelationToken + ":" + hex.EncodeToString(sum[:8])
}

func (c *Coordinator) refresh(ctx context.Context, tripID string) {
	if _, err := summary.Refresh(ctx, c.store, tripID); err != nil {
		zap.L().Error("coordinator: refresh trip summary", zap.String("trip_id", tripID), zap.Error(err))
	}
}

// ExpireStale moves every pending request older than the confirmation
// timeout to expired. Candidates stay conflicted. It returns how many
// requests it expired.
func (c *Coordinator) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	pending, err := c.store.ListConfirmations(ctx, store.ConfirmationFilter{State: model.ConfirmationPending})
	if err != nil {
		return 0, eris.Wrap(err, "coordinator: list pending confirmations")
	}

	var expired int
	for _, req := range pending {
		if now.Sub(req.CreatedAt) < c.cfg.ConfirmationTimeout {
			continue
		}
		err := c.store.CloseConfirmation(ctx, req.ID, model.ConfirmationExpired, model.Resolution{
			ResolvedBy: "timeout",
			Outcome:    string(model.ConfirmationExpired),
			ResolvedAt: now.UTC(),
		})
		if errors.Is(err, model.ErrStaleReply) {
			continue
		}
		if err != nil {
			return expired, eris.Wrapf(err, "coordinator: expire confirmation %s", req.ID)
		}
		expired++
		zap.L().Info("coordinator: confirmation expired",
			zap.String("confirmation_id", req.ID),
			zap.String("trip_id", req.TripID),
			zap.String("field", req.FieldName),
		)
	}
	return expired, nil
}

// NeedsAttention lists the conflicted candidates of a trip that nobody has
// settled: those awaiting a reply and those whose request expired.
func (c *Coordinator) NeedsAttention(ctx context.Context, tripID string) ([]model.AttentionItem, error) {
	conflicted, err := c.store.ListVersions(ctx, store.VersionFilter{TripID: tripID, Status: model.VersionConflicted})
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: list conflicted versions")
	}
	requests, err := c.store.ListConfirmations(ctx, store.ConfirmationFilter{TripID: tripID})
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: list confirmations")
	}
	byCandidate := make(map[string]*model.ConfirmationRequest, len(requests))
	for i := range requests {
		byCandidate[requests[i].CandidateVersionID] = &requests[i]
	}

	var items []model.AttentionItem
	for _, v := range conflicted {
		if v.Resolution != nil && v.Resolution.Outcome != string(model.ConfirmationExpired) {
			continue
		}
		item := model.AttentionItem{Version: v, Confirmation: byCandidate[v.ID]}
		active, err := c.store.GetActiveVersion(ctx, tripID, v.FieldName)
		if err != nil {
			return nil, eris.Wrap(err, "coordinator: read active version")
		}
		if active != nil {
			item.ActiveValue = active.Value
		}
		items = append(items, item)
	}
	return items, nil
}

// Resend re-delivers a pending request.
func (c *Coordinator) Resend(ctx context.Context, requestID string) error {
	req, err := c.store.GetConfirmation(ctx, requestID)
	if err != nil {
		return eris.Wrap(err, "coordinator: get confirmation")
	}
	if req.State != model.ConfirmationPending {
		return eris.Wrapf(model.ErrStaleReply, "confirmation %s is %s", requestID, req.State)
	}
	return eris.Wrap(c.notifier.Send(ctx, req.Message()), "coordinator: resend confirmation")
}
