// Package audit persists AuditEvent resources describing repository
// mutations. Recording is fire-and-forget: the write path never waits on it
// and failures are logged, not surfaced.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfhir/fhirstore/internal/platform/fhir"
	"github.com/openfhir/fhirstore/internal/platform/repo"
)

// Sink writes AuditEvents through the repository.
type Sink struct {
	repo *repo.Repository
	log  zerolog.Logger
}

// NewSink creates a Sink over the repository.
func NewSink(r *repo.Repository, log zerolog.Logger) *Sink {
	return &Sink{repo: r, log: log.With().Str("component", "audit").Logger()}
}

// Record persists one AuditEvent with a short deadline of its own so a slow
// database cannot back up onto callers. Errors are swallowed.
func (s *Sink) Record(ctx context.Context, event fhir.Resource) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.repo.Create(ctx, event, repo.WriteOptions{}); err != nil {
		s.log.Warn().Err(err).Msg("audit event dropped")
	}
}
