package core

import (
	"context"
	"time"
)

// ResponseFilter narrows a response-log query. Zero values match everything.
type ResponseFilter struct {
	SubjectIDs []string
	ItemIDs    []string
	Since      time.Time
}

// Persistence is the storage contract for the engine's entities. The storage
// technology is an external collaborator; pkg/storage ships a SQLite
// implementation.
type Persistence interface {
	SaveCandidate(ctx context.Context, c *Candidate) error
	LoadCandidate(ctx context.Context, id string) (*Candidate, error)

	AppendResponse(ctx context.Context, r *ResponseRecord) error
	QueryResponses(ctx context.Context, filter ResponseFilter) ([]ResponseRecord, error)

	SaveAbility(ctx context.Context, a *AbilityEstimate) error
	LoadAbilities(ctx context.Context, subjectID string) ([]AbilityEstimate, error)

	Close() error
}
