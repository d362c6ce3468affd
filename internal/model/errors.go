package model

import "github.com/rotisserie/eris"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = eris.New("not found")
	// ErrExtractionFailed means the extractor produced nothing usable.
	ErrExtractionFailed = eris.New("extraction failed")
	// ErrClassificationTimeout means a model call exceeded its deadline.
	ErrClassificationTimeout = eris.New("classification timeout")
	// ErrVersionConflict means the active version changed under a writer.
	ErrVersionConflict = eris.New("concurrent version conflict")
	// ErrStaleReply means a reply referenced a request that is no longer pending.
	ErrStaleReply = eris.New("stale confirmation reply")
)
