// Package coordinator owns every state transition of trip facts. It applies
// classifier decisions, suspends conflicts behind confirmation requests and
// resumes them from replies. All state lives in the store, so any process
// can pick up a reply for a request another process created.
package coordinator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/travelroboto/trip-ingest/internal/agents"
	"github.com/travelroboto/trip-ingest/internal/classifier"
	"github.com/travelroboto/trip-ingest/internal/lock"
	"github.com/travelroboto/trip-ingest/internal/model"
	"github.com/travelroboto/trip-ingest/internal/policy"
	"github.com/travelroboto/trip-ingest/internal/store"
)

// Config holds the coordinator policy parameters.
type Config struct {
	// ConfirmationTimeout is how long a request may stay pending.
	ConfirmationTimeout time.Duration
	// IntentThreshold is the minimum confidence for acting on a reply.
	IntentThreshold float64
	// MaxVersionRetries bounds re-evaluation after a concurrent write.
	MaxVersionRetries int
	// RetryBackoff is the initial delay between re-evaluations.
	RetryBackoff time.Duration
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		ConfirmationTimeout: 72 * time.Hour,
		IntentThreshold:     0.7,
		MaxVersionRetries:   3,
		RetryBackoff:        10 * time.Millisecond,
	}
}

// Classifier decides how a new value relates to the active one.
type Classifier interface {
	Classify(ctx context.Context, in classifier.Input) classifier.Result
}

// IntentClassifier reads a reply.
type IntentClassifier interface {
	ClassifyReplyIntent(ctx context.Context, replyText string, rc agents.ReplyContext) (model.IntentVerdict, error)
}

// Notifier delivers confirmation requests to the user.
type Notifier interface {
	Send(ctx context.Context, msg model.ConfirmationMessage) error
}

// ClarificationSink ingests the text of a clarifying reply as a new document.
type ClarificationSink interface {
	IngestClarification(ctx context.Context, doc *model.IncomingDocument) (*model.IngestResult, error)
}

// Coordinator runs the per-field state machine.
type Coordinator struct {
	store      store.Store
	classifier Classifier
	intents    IntentClassifier
	notifier   Notifier
	policy     *policy.Config
	cfg        Config
	locks      *lock.Keyed
	clarifier  ClarificationSink
	now        func() time.Time
}

// New creates a Coordinator. A nil policy uses policy.Default.
func New(st store.Store, cls Classifier, intents IntentClassifier, notifier Notifier, pol *policy.Config, cfg Config) *Coordinator {
	if pol == nil {
		pol = policy.Default()
	}
	def := DefaultConfig()
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = def.ConfirmationTimeout
	}
	if cfg.IntentThreshold <= 0 {
		cfg.IntentThreshold = def.IntentThreshold
	}
	if cfg.MaxVersionRetries <= 0 {
		cfg.MaxVersionRetries = def.MaxVersionRetries
	}
	return &Coordinator{
		store:      st,
		classifier: cls,
		intents:    intents,
		notifier:   notifier,
		policy:     pol,
		cfg:        cfg,
		locks:      lock.NewKeyed(),
		now:        time.Now,
	}
}

// SetClarificationSink wires the pipeline that re-ingests clarifying replies.
func (c *Coordinator) SetClarificationSink(s ClarificationSink) {
	c.clarifier = s
}

// lockField serializes work on one (trip, field) within this process. The
// store's expected-active-version check covers other processes.
func (c *Coordinator) lockField(ctx context.Context, tripID, field string) (func(), error) {
	unlock, err := c.locks.Lock(ctx, tripID+"/"+field)
	if err != nil {
		return nil, eris.Wrapf(err, "coordinator: lock %s.%s", tripID, field)
	}
	return unlock, nil
}
