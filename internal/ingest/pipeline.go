// Package ingest turns incoming documents into field versions: it stores the
// document, extracts facts, matches a trip and hands every field to the
// coordinator.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/travelroboto/trip-ingest/internal/coordinator"
	"github.com/travelroboto/trip-ingest/internal/lock"
	"github.com/travelroboto/trip-ingest/internal/matcher"
	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/store"
	"github.com/travelroboto/trip-ingest/internal/summary"
)

// Extractor is the extraction capability.
type Extractor interface {
	Extract(ctx context.Context, text string) (*model.ExtractionResult, error)
}

// Matcher assigns extractions to trips.
type Matcher interface {
	Match(ctx context.Context, ext *model.ExtractionResult, ownerUserID string) (matcher.Result, error)
}

// Evaluator runs the per-field state machine.
type Evaluator interface {
	Evaluate(ctx context.Context, ev coordinator.Evaluation) model.FieldOutcome
}

// Config tunes the pipeline.
type Config struct {
	// MaxConcurrentDocuments bounds IngestBatch parallelism.
	MaxConcurrentDocuments int
	// ClaimTTL is how long a source ID stays claimed by a process that
	// stopped without finishing it.
	ClaimTTL time.Duration
}

// Pipeline is the ingest orchestrator.
type Pipeline struct {
	store     store.Store
	extractor Extractor
	matcher   Matcher
	evaluator Evaluator
	cfg       Config
	sources   *lock.Keyed
}

// New creates a Pipeline.
func New(st store.Store, ex Extractor, m Matcher, ev Evaluator, cfg Config) *Pipeline {
	if cfg.MaxConcurrentDocuments <= 0 {
		cfg.MaxConcurrentDocuments = 4
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	return &Pipeline{store: st, extractor: ex, matcher: m, evaluator: ev, cfg: cfg, sources: lock.NewKeyed()}
}

// Ingest processes one document. A source ID that already has a result
// returns that result with Duplicate set and touches nothing; one that
// another process is working on returns an empty result with Duplicate and
// InProgress set. Extraction failure returns an error wrapping
// model.ErrExtractionFailed; the document stays stored without field
// versions and can be re-ingested.
func (p *Pipeline) Ingest(ctx context.Context, doc *model.IncomingDocument, ownerUserID string) (*model.IngestResult, error) {
	if doc == nil || strings.TrimSpace(doc.SourceID) == "" {
		return nil, eris.New("ingest: document source id is required")
	}
	if ownerUserID != "" {
		doc.OwnerUserID = ownerUserID
	}
	if doc.OwnerUserID == "" {
		return nil, eris.Errorf("ingest: document %s has no owner", doc.SourceID)
	}
	if doc.ReceivedAt.IsZero() {
		doc.ReceivedAt = time.Now().UTC()
	}
	log := zap.L().With(zap.String("source_id", doc.SourceID))

	unlock, err := p.sources.Lock(ctx, doc.SourceID)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: lock source")
	}
	defer unlock()

	if prior, err := p.priorResult(ctx, doc.SourceID, log); prior != nil || err != nil {
		return prior, err
	}

	// The in-process lock only covers this process. The lease makes the
	// source ID single-writer across every process sharing the store.
	holder := uuid.New().String()
	claimed, err := p.store.ClaimLease(ctx, sourceLeaseKey(doc.SourceID), holder, p.cfg.ClaimTTL)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: claim source")
	}
	if !claimed {
		log.Info("ingest: document is being processed elsewhere")
		return &model.IngestResult{SourceID: doc.SourceID, Outcomes: []model.FieldOutcome{}, Duplicate: true, InProgress: true}, nil
	}
	defer func() {
		if err := p.store.ReleaseLease(context.WithoutCancel(ctx), sourceLeaseKey(doc.SourceID), holder); err != nil {
			log.Warn("ingest: release source claim", zap.Error(err))
		}
	}()

	// Another process may have finished between the first check and the claim.
	if prior, err := p.priorResult(ctx, doc.SourceID, log); prior != nil || err != nil {
		return prior, err
	}

	inserted, err := p.store.SaveDocument(ctx, doc)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: save document")
	}
	if !inserted {
		log.Info("ingest: retrying stored document without a result")
	}

	text, attachErrs := documentText(doc)
	for _, e := range attachErrs {
		log.Warn("ingest: unreadable attachment", zap.Error(e))
	}

	ext, err := p.extractor.Extract(ctx, text)
	if err != nil {
		log.Error("ingest: extraction failed", zap.Error(err))
		return nil, eris.Wrapf(err, "ingest: extract %s", doc.SourceID)
	}

	result := &model.IngestResult{
		SourceID:      doc.SourceID,
		BookingType:   ext.BookingType,
		MissingFields: ext.MissingFields,
		Collisions:    ext.Collisions,
		Outcomes:      []model.FieldOutcome{},
	}

	if len(ext.Fields) == 0 {
		log.Info("ingest: document carries no booking facts")
		return p.finish(ctx, result)
	}

	if err := p.resolveTrip(ctx, doc, ext, result); err != nil {
		return nil, err
	}
	log = log.With(zap.String("trip_id", result.TripID))

	prov := model.Provenance{Kind: model.ProvenanceDocument, SourceID: doc.SourceID, BookingType: ext.BookingType}
	if doc.TripHint != "" {
		prov.Kind = model.ProvenanceClarification
	}
	siblings := make(map[string]string, len(ext.Fields))
	for _, name := range ext.FieldNames() {
		siblings[name] = ext.StringValue(name)
	}
	dest := ext.InferredDestination()

	// Fields are independent; order is fixed so outcomes and logs reproduce.
	for _, name := range ext.FieldNames() {
		value := siblings[name]
		if value == "" {
			continue
		}
		f := ext.Fields[name]
		prov.Source = map[string]any{"value": f.Value, "confidence": f.Confidence}
		out := p.evaluator.Evaluate(ctx, coordinator.Evaluation{
			TripID:      result.TripID,
			FieldName:   name,
			Value:       value,
			Confidence:  f.Confidence,
			OwnerUserID: doc.OwnerUserID,
			Provenance:  prov,
			BookingType: ext.BookingType,
			Destination: dest,
			Siblings:    siblings,
		})
		result.Outcomes = append(result.Outcomes, out)
	}

	if _, err := summary.Refresh(ctx, p.store, result.TripID); err != nil {
		log.Error("ingest: refresh trip summary", zap.Error(err))
	}
	log.Info("ingest: document processed", zap.Int("fields", len(result.Outcomes)))
	return p.finish(ctx, result)
}

func (p *Pipeline) priorResult(ctx context.Context, sourceID string, log *zap.Logger) (*model.IngestResult, error) {
	prior, err := p.store.GetIngestResult(ctx, sourceID)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: check prior result")
	}
	if prior != nil {
		log.Info("ingest: duplicate document, returning prior result", zap.String("trip_id", prior.TripID))
		prior.Duplicate = true
	}
	return prior, nil
}

func sourceLeaseKey(sourceID string) string {
	return "ingest:" + sourceID
}

// IngestClarification ingests the text of a clarifying reply. The document
// carries its trip as TripHint so matching is skipped.
func (p *Pipeline) IngestClarification(ctx context.Context, doc *model.IncomingDocument) (*model.IngestResult, error) {
	return p.Ingest(ctx, doc, doc.OwnerUserID)
}

func (p *Pipeline) resolveTrip(ctx context.Context, doc *model.IncomingDocument, ext *model.ExtractionResult, result *model.IngestResult) error {
	if doc.TripHint != "" {
		if _, err := p.store.GetTrip(ctx, doc.TripHint); err != nil {
			return eris.Wrapf(err, "ingest: hinted trip %s", doc.TripHint)
		}
		result.TripID = doc.TripHint
		result.MatchScore = 1.0
		return nil
	}
	m, err := p.matcher.Match(ctx, ext, doc.OwnerUserID)
	if err != nil {
		return eris.Wrap(err, "ingest: match trip")
	}
	result.TripID = m.TripID
	result.MatchScore = m.Confidence
	result.TripCreated = m.Created
	return nil
}

func (p *Pipeline) finish(ctx context.Context, result *model.IngestResult) (*model.IngestResult, error) {
	result.ProcessedAt = time.Now().UTC()
	if err := p.store.SaveIngestResult(ctx, result); err != nil {
		return nil, eris.Wrap(err, "ingest: save result")
	}
	return result, nil
}

// BatchItem is the outcome of one document in a batch.
type BatchItem struct {
	SourceID string
	Result   *model.IngestResult
	Err      error
}

// IngestBatch ingests documents in parallel, at most MaxConcurrentDocuments
// at a time. Each document succeeds or fails on its own; items are returned
// in input order.
func (p *Pipeline) IngestBatch(ctx context.Context, docs []*model.IncomingDocument) []BatchItem {
	items := make([]BatchItem, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrentDocuments)

	for i, doc := range docs {
		g.Go(func() error {
			items[i].SourceID = doc.SourceID
			items[i].Result, items[i].Err = p.Ingest(gctx, doc, "")
			return nil
		})
	}
	_ = g.Wait()
	return items
}
