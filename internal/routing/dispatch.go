package routing

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/af-corp/rudder/internal/config"
	"github.com/af-corp/rudder/internal/policy"
	"github.com/af-corp/rudder/internal/types"
)

// Attempt runs one provider call against one candidate and classifies the
// result. A non-success outcome should come with the error that caused it.
type Attempt func(ctx context.Context, model policy.ModelConfig) (types.Outcome, error)

// DispatchResult is a successful dispatch: the candidate that answered and
// the full attempt trail that led there.
type DispatchResult struct {
	Model    policy.ModelConfig
	Attempts []AttemptRecord
}

// Dispatcher drives the retry and failover cycle across an ordered
// candidate list. Within one cycle attempts are strictly sequential; the
// dispatcher holds no state across cycles, so past throttling never
// influences a later call.
type Dispatcher struct {
	cfg    config.DispatchConfig
	logger *slog.Logger

	// OnAttempt and OnBackoff observe the cycle for metrics when set.
	// Assign them before the dispatcher is shared across goroutines.
	OnAttempt func(rec AttemptRecord)
	OnBackoff func(modelID string, delay time.Duration)

	jitter func(time.Duration) time.Duration
}

func NewDispatcher(cfg config.DispatchConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		logger: logger.With("component", "dispatch"),
		jitter: equalJitter,
	}
}

// Dispatch walks the candidates in order. Each candidate gets up to its
// retry budget of attempts, with exponential backoff between them; a
// rejected outcome advances to the next candidate immediately since
// retrying a refused request is wasted work. The first success wins. A
// caller deadline aborts the cycle even mid-backoff; cancellation stops
// further attempts promptly.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []policy.ModelConfig, fn Attempt) (*DispatchResult, error) {
	var records []AttemptRecord

candidates:
	for _, model := range candidates {
		budget := d.budget(model)
		for attempt := 1; attempt <= budget; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, d.abort(records, err)
			}

			start := time.Now()
			outcome, attemptErr := fn(ctx, model)
			rec := AttemptRecord{
				ModelID: model.ModelID,
				Attempt: attempt,
				Outcome: outcome,
				Start:   start,
				Elapsed: time.Since(start),
				Err:     attemptErr,
			}
			records = append(records, rec)
			if d.OnAttempt != nil {
				d.OnAttempt(rec)
			}

			switch outcome {
			case types.OutcomeSuccess:
				return &DispatchResult{Model: model, Attempts: records}, nil
			case types.OutcomeRejected:
				d.logger.Warn("candidate rejected request",
					"model_id", model.ModelID,
					"attempt", attempt,
					"error", attemptErr,
				)
				continue candidates
			}

			// throttled or transport_error
			if attempt == budget {
				d.logger.Warn("candidate retry budget spent",
					"model_id", model.ModelID,
					"attempts", attempt,
					"outcome", outcome,
					"error", attemptErr,
				)
				continue candidates
			}

			delay := d.delay(model, attempt)
			if d.OnBackoff != nil {
				d.OnBackoff(model.ModelID, delay)
			}
			d.logger.Debug("backing off before retry",
				"model_id", model.ModelID,
				"attempt", attempt,
				"outcome", outcome,
				"delay_ms", delay.Milliseconds(),
			)
			if err := d.wait(ctx, delay); err != nil {
				return nil, d.abort(records, err)
			}
		}
	}

	return nil, &ExhaustedError{Attempts: records}
}

// budget is the attempt budget for one candidate: its declared retry policy
// when present, the configured default otherwise, and never less than one.
func (d *Dispatcher) budget(model policy.ModelConfig) int {
	n := d.cfg.MaxRetriesPerModel
	if model.Retry != nil && model.Retry.MaxAttempts > 0 {
		n = model.Retry.MaxAttempts
	}
	if n < 1 {
		n = 1
	}
	return n
}

// delay grows the backoff exponentially from the base, caps it at the
// configured maximum, then jitters it so concurrent cycles do not retry in
// lockstep.
func (d *Dispatcher) delay(model policy.ModelConfig, attempt int) time.Duration {
	base := d.cfg.BaseDelay()
	if model.Retry != nil && model.Retry.BackoffMs > 0 {
		base = time.Duration(model.Retry.BackoffMs) * time.Millisecond
	}
	max := d.cfg.MaxDelay()

	delay := base << (attempt - 1)
	if delay <= 0 || (max > 0 && delay > max) {
		delay = max
	}
	if d.jitter != nil {
		delay = d.jitter(delay)
	}
	return delay
}

// equalJitter keeps half the delay and randomizes the rest, bounding the
// wait within [d/2, d].
func equalJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(half+1)
}

// wait suspends only the calling cycle until the delay elapses or the
// context ends.
func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// abort converts a context error into the cycle's terminal failure. A passed
// deadline gets the typed error carrying the partial trail; cancellation
// propagates as the context error itself.
func (d *Dispatcher) abort(records []AttemptRecord, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &DeadlineExceededError{Attempts: records, Err: err}
	}
	return err
}
