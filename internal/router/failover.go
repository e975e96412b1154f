package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Attempt dials one candidate. It returns a non-nil error on failure; the
// error should be (or wrap) an *apierr.Error so Execute can judge
// retryability.
type Attempt func(ctx context.Context, c Candidate) error

// Outcome records one failover attempt for logging/metrics callers.
type Outcome struct {
	Candidate Candidate
	Err       error
}

// Execute resolves a candidate and invokes attempt, retrying against the
// next candidate (same alias, growing exclusion set) on retryable errors
// until maxAttempts is exhausted or a candidate succeeds. It never retries
// a non-retryable error (e.g. invalid_request, model_not_allowed) — those
// are specific to the request, not the provider.
//
// log may be nil. Returns the winning candidate and the full attempt
// history, or a nil candidate and the last error once every avenue is
// exhausted.
func (r *Router) Execute(ctx context.Context, tenantID, alias string, required catalog.Capabilities, maxAttempts int, attempt Attempt, log *slog.Logger) (*Candidate, []Outcome, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxFailoverAttempts
	}
	if log == nil {
		log = slog.Default()
	}

	excluded := make(map[string]bool)
	var history []Outcome

	for i := 0; i < maxAttempts; i++ {
		cand, err := r.Resolve(ctx, tenantID, alias, required, excluded)
		if err != nil {
			if len(history) == 0 {
				return nil, history, err
			}
			return nil, history, apierr.Wrap(apierr.KindProviderUnavailable, err, "failover exhausted: no further providers available")
		}

		err = attempt(ctx, *cand)
		history = append(history, Outcome{Candidate: *cand, Err: err})

		if err == nil {
			r.cb.RecordSuccess(cand.Provider.ID)
			return cand, history, nil
		}

		r.cb.RecordFailure(cand.Provider.ID)
		excluded[cand.Provider.ID] = true

		log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("alias", alias),
			slog.String("provider", cand.Provider.ID),
			slog.String("mapping_id", cand.Mapping.ID),
			slog.String("error", err.Error()),
		)

		if !isRetryable(err) {
			return nil, history, err
		}
	}

	last := history[len(history)-1].Err
	return nil, history, apierr.Wrap(apierr.KindProviderUnavailable, last, "all providers failed")
}

// isRetryable reports whether err should trigger failover to the next
// candidate, per the Kind.Retryable policy. Unknown error shapes are
// treated conservatively as retryable so a single misbehaving client
// library doesn't strand every request on one dead provider.
func isRetryable(err error) bool {
	var aerr *apierr.Error
	if errors.As(err, &aerr) {
		return aerr.Kind.Retryable()
	}
	return true
}
