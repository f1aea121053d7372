package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/af-corp/rudder/internal/config"
	"github.com/af-corp/rudder/internal/policy"
	"github.com/af-corp/rudder/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{BaseDelayMs: 1, MaxDelayMs: 10, MaxRetriesPerModel: 2}
}

func testDispatcher(cfg config.DispatchConfig) *Dispatcher {
	d := NewDispatcher(cfg, testLogger())
	d.jitter = func(delay time.Duration) time.Duration { return delay }
	return d
}

func chatModel(id string) policy.ModelConfig {
	return policy.ModelConfig{
		ModelID:         id,
		Provider:        types.ProviderAnthropic,
		Capability:      types.TaskChat,
		ProviderModelID: id + "-backend",
	}
}

// scriptAttempt replays a fixed outcome sequence per model id.
func scriptAttempt(t *testing.T, script map[string][]types.Outcome) Attempt {
	t.Helper()
	used := make(map[string]int)
	return func(ctx context.Context, model policy.ModelConfig) (types.Outcome, error) {
		i := used[model.ModelID]
		used[model.ModelID]++
		outcomes, ok := script[model.ModelID]
		if !ok || i >= len(outcomes) {
			t.Fatalf("unscripted attempt %d against %s", i+1, model.ModelID)
		}
		out := outcomes[i]
		if out == types.OutcomeSuccess {
			return out, nil
		}
		return out, fmt.Errorf("scripted %s", out)
	}
}

func TestDispatchFirstAttemptSucceeds(t *testing.T) {
	d := testDispatcher(testDispatchConfig())
	models := []policy.ModelConfig{chatModel("a"), chatModel("b")}

	res, err := d.Dispatch(context.Background(), models, scriptAttempt(t, map[string][]types.Outcome{
		"a": {types.OutcomeSuccess},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Model.ModelID != "a" {
		t.Errorf("bound model = %s", res.Model.ModelID)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Attempt != 1 {
		t.Errorf("attempts = %+v", res.Attempts)
	}
}

func TestDispatchRetriesAfterThrottle(t *testing.T) {
	d := testDispatcher(testDispatchConfig())
	var backoffs int
	d.OnBackoff = func(string, time.Duration) { backoffs++ }

	res, err := d.Dispatch(context.Background(), []policy.ModelConfig{chatModel("a")}, scriptAttempt(t, map[string][]types.Outcome{
		"a": {types.OutcomeThrottled, types.OutcomeSuccess},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Model.ModelID != "a" {
		t.Errorf("bound model = %s", res.Model.ModelID)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %+v", res.Attempts)
	}
	if res.Attempts[1].Attempt != 2 {
		t.Errorf("second record attempt number = %d", res.Attempts[1].Attempt)
	}
	if backoffs != 1 {
		t.Errorf("backoffs = %d, want 1", backoffs)
	}
}

func TestDispatchAdvancesWhenBudgetSpent(t *testing.T) {
	d := testDispatcher(testDispatchConfig())

	res, err := d.Dispatch(context.Background(), []policy.ModelConfig{chatModel("a"), chatModel("b")}, scriptAttempt(t, map[string][]types.Outcome{
		"a": {types.OutcomeThrottled, types.OutcomeThrottled},
		"b": {types.OutcomeSuccess},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Model.ModelID != "b" {
		t.Errorf("bound model = %s", res.Model.ModelID)
	}
	want := []struct {
		model   string
		attempt int
	}{{"a", 1}, {"a", 2}, {"b", 1}}
	if len(res.Attempts) != len(want) {
		t.Fatalf("attempts = %+v", res.Attempts)
	}
	for i, w := range want {
		if res.Attempts[i].ModelID != w.model || res.Attempts[i].Attempt != w.attempt {
			t.Errorf("record %d = %s#%d, want %s#%d", i, res.Attempts[i].ModelID, res.Attempts[i].Attempt, w.model, w.attempt)
		}
	}
}

func TestDispatchRejectedAdvancesImmediately(t *testing.T) {
	d := testDispatcher(testDispatchConfig())
	var backoffs int
	d.OnBackoff = func(string, time.Duration) { backoffs++ }

	res, err := d.Dispatch(context.Background(), []policy.ModelConfig{chatModel("a"), chatModel("b")}, scriptAttempt(t, map[string][]types.Outcome{
		"a": {types.OutcomeRejected},
		"b": {types.OutcomeSuccess},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Model.ModelID != "b" {
		t.Errorf("bound model = %s", res.Model.ModelID)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %+v", res.Attempts)
	}
	if backoffs != 0 {
		t.Errorf("rejected outcome must not back off, got %d backoffs", backoffs)
	}
}

func TestDispatchExhausted(t *testing.T) {
	d := testDispatcher(testDispatchConfig())

	_, err := d.Dispatch(context.Background(), []policy.ModelConfig{chatModel("a"), chatModel("b")}, scriptAttempt(t, map[string][]types.Outcome{
		"a": {types.OutcomeThrottled, types.OutcomeTransportError},
		"b": {types.OutcomeThrottled, types.OutcomeThrottled},
	}))

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if len(exhausted.Attempts) != 4 {
		t.Fatalf("trail = %+v", exhausted.Attempts)
	}
	if !exhausted.MostlyThrottled() {
		t.Error("three of four throttled attempts should read as throttle-dominated")
	}
	if exhausted.FinalOutcome() != types.OutcomeThrottled {
		t.Errorf("final outcome = %s", exhausted.FinalOutcome())
	}
}

func TestDispatchRejectedOnLastCandidate(t *testing.T) {
	d := testDispatcher(testDispatchConfig())

	_, err := d.Dispatch(context.Background(), []policy.ModelConfig{chatModel("a")}, scriptAttempt(t, map[string][]types.Outcome{
		"a": {types.OutcomeRejected},
	}))

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.FinalOutcome() != types.OutcomeRejected {
		t.Errorf("final outcome = %s", exhausted.FinalOutcome())
	}
	if exhausted.FinalOutcome().Retryable() {
		t.Error("rejected final record must read as non-retryable")
	}
}

func TestDispatchNeverExceedsBudget(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.MaxRetriesPerModel = 3
	d := testDispatcher(cfg)

	perModel := make(map[string]int)
	d.OnAttempt = func(rec AttemptRecord) { perModel[rec.ModelID]++ }

	script := map[string][]types.Outcome{
		"a": {types.OutcomeThrottled, types.OutcomeThrottled, types.OutcomeThrottled},
		"b": {types.OutcomeTransportError, types.OutcomeTransportError, types.OutcomeTransportError},
		"c": {types.OutcomeThrottled, types.OutcomeThrottled, types.OutcomeThrottled},
	}
	_, err := d.Dispatch(context.Background(), []policy.ModelConfig{chatModel("a"), chatModel("b"), chatModel("c")}, scriptAttempt(t, script))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}

	for model, n := range perModel {
		if n > cfg.MaxRetriesPerModel {
			t.Errorf("model %s received %d attempts, budget %d", model, n, cfg.MaxRetriesPerModel)
		}
	}
}

func TestDispatchPerModelRetryOverride(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.MaxRetriesPerModel = 1
	d := testDispatcher(cfg)

	model := chatModel("a")
	model.Retry = &policy.RetryPolicy{MaxAttempts: 3, BackoffMs: 1}

	res, err := d.Dispatch(context.Background(), []policy.ModelConfig{model}, scriptAttempt(t, map[string][]types.Outcome{
		"a": {types.OutcomeThrottled, types.OutcomeThrottled, types.OutcomeSuccess},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3 under the per-model override", len(res.Attempts))
	}
}

func TestDispatchAttemptsSequential(t *testing.T) {
	d := testDispatcher(testDispatchConfig())

	script := map[string][]types.Outcome{
		"a": {types.OutcomeThrottled, types.OutcomeThrottled},
		"b": {types.OutcomeSuccess},
	}
	res, err := d.Dispatch(context.Background(), []policy.ModelConfig{chatModel("a"), chatModel("b")}, scriptAttempt(t, script))
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i < len(res.Attempts); i++ {
		prevEnd := res.Attempts[i-1].Start.Add(res.Attempts[i-1].Elapsed)
		if res.Attempts[i].Start.Before(prevEnd) {
			t.Fatalf("attempt %d started before attempt %d finished", i+1, i)
		}
	}
}

func TestDispatchBackoffGrowsAndCaps(t *testing.T) {
	cfg := config.DispatchConfig{BaseDelayMs: 2, MaxDelayMs: 5, MaxRetriesPerModel: 4}
	d := testDispatcher(cfg)

	var delays []time.Duration
	d.OnBackoff = func(_ string, delay time.Duration) { delays = append(delays, delay) }

	_, err := d.Dispatch(context.Background(), []policy.ModelConfig{chatModel("a")}, scriptAttempt(t, map[string][]types.Outcome{
		"a": {types.OutcomeThrottled, types.OutcomeThrottled, types.OutcomeThrottled, types.OutcomeThrottled},
	}))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}

	want := []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i+1, delays[i], want[i])
		}
	}
}

func TestDispatchJitterBounded(t *testing.T) {
	cfg := config.DispatchConfig{BaseDelayMs: 100, MaxDelayMs: 1000, MaxRetriesPerModel: 1}
	d := NewDispatcher(cfg, testLogger())

	// The default jitter keeps every delay within [d/2, d].
	for i := 0; i < 200; i++ {
		got := d.delay(chatModel("a"), 1)
		if got < 50*time.Millisecond || got > 100*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 100ms]", got)
		}
	}
}

func TestDispatchDeadlineAbortsMidBackoff(t *testing.T) {
	cfg := config.DispatchConfig{BaseDelayMs: 5000, MaxDelayMs: 5000, MaxRetriesPerModel: 2}
	d := testDispatcher(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Dispatch(ctx, []policy.ModelConfig{chatModel("a")}, scriptAttempt(t, map[string][]types.Outcome{
		"a": {types.OutcomeThrottled, types.OutcomeThrottled},
	}))
	elapsed := time.Since(start)

	var deadline *DeadlineExceededError
	if !errors.As(err, &deadline) {
		t.Fatalf("expected DeadlineExceededError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("DeadlineExceededError must unwrap to context.DeadlineExceeded")
	}
	if len(deadline.Attempts) != 1 {
		t.Errorf("partial trail = %+v", deadline.Attempts)
	}
	if elapsed > time.Second {
		t.Errorf("deadline did not interrupt the backoff wait, took %v", elapsed)
	}
}

func TestDispatchCancellationStopsRetries(t *testing.T) {
	cfg := config.DispatchConfig{BaseDelayMs: 5000, MaxDelayMs: 5000, MaxRetriesPerModel: 2}
	d := testDispatcher(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	fn := func(context.Context, policy.ModelConfig) (types.Outcome, error) {
		attempts++
		cancel()
		return types.OutcomeThrottled, errors.New("throttled")
	}

	_, err := d.Dispatch(ctx, []policy.ModelConfig{chatModel("a"), chatModel("b")}, fn)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts after cancellation = %d, want 1", attempts)
	}
}

func TestDispatchCancelledBeforeFirstAttempt(t *testing.T) {
	d := testDispatcher(testDispatchConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, []policy.ModelConfig{chatModel("a")}, func(context.Context, policy.ModelConfig) (types.Outcome, error) {
		t.Fatal("attempt ran after cancellation")
		return types.OutcomeSuccess, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
