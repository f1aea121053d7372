package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/af-corp/rudder/internal/config"
	"github.com/af-corp/rudder/internal/types"
)

// Input is the data sent to OPA for evaluation.
type Input struct {
	Tenant  InputTenant  `json:"tenant"`
	Request InputRequest `json:"request"`
	Time    InputTime    `json:"time"`
}

type InputTenant struct {
	ID          string `json:"id"`
	Tier        string `json:"tier"`
	CostCeiling string `json:"cost_ceiling"`
}

type InputRequest struct {
	TaskType      string `json:"task_type"`
	Language      string `json:"language"`
	Complexity    string `json:"complexity"`
	TokenEstimate int    `json:"token_estimate"`
}

type InputTime struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluator gates requests with OPA before they reach model selection.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.AdmissionConfig
}

// NewEvaluator creates an admission evaluator. Call Load() to compile policies.
func NewEvaluator(cfg func() config.AdmissionConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

func (e *Evaluator) Enabled() bool { return e.cfg().Enabled }

// Load compiles Rego modules from the configured policy directory.
func (e *Evaluator) Load() error {
	cfg := e.cfg()
	modules, err := LoadRegoFiles(cfg.PolicyDir)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		slog.Warn("no rego files found", "path", cfg.PolicyDir)
		return nil
	}
	return e.LoadFromModules(modules)
}

// LoadFromModules compiles policies from provided module sources (useful for testing).
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	r := rego.New(
		rego.Query("[data.rudder.admission.allow, data.rudder.admission.reason]"),
		func() func(*rego.Rego) {
			mods := make([]func(*rego.Rego), 0, len(modules))
			for name, src := range modules {
				mods = append(mods, rego.Module(name, src))
			}
			return func(r *rego.Rego) {
				for _, m := range mods {
					m(r)
				}
			}
		}(),
	)

	prepared, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()

	slog.Info("admission policies loaded", "modules", len(modules))
	return nil
}

// Evaluate runs the policy against the given input.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (bool, string, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		// Enabled with nothing loaded fails closed
		return false, "no policies loaded", nil
	}

	cfg := e.cfg()
	timeout := cfg.EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Sprintf("policy evaluation error: %v", err), err
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "no policy result", nil
	}

	// Result is [allow, reason]
	arr, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok || len(arr) < 2 {
		return false, "unexpected policy result format", nil
	}

	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)

	return allowed, reason, nil
}

// Check evaluates one request and fails closed on evaluation errors. When
// the evaluator is disabled every request is admitted.
func (e *Evaluator) Check(ctx context.Context, tenant types.TenantContext, features types.RequestFeatures) Decision {
	if !e.Enabled() {
		return Decision{Allowed: true}
	}

	now := time.Now().UTC()
	input := Input{
		Tenant: InputTenant{
			ID:          tenant.TenantID,
			Tier:        string(tenant.Tier),
			CostCeiling: string(tenant.CostCeiling),
		},
		Request: InputRequest{
			TaskType:      string(features.TaskType),
			Language:      string(features.Language),
			Complexity:    string(features.Complexity),
			TokenEstimate: features.TokenEstimate,
		},
		Time: InputTime{
			Hour: now.Hour(),
			Day:  now.Weekday().String(),
		},
	}

	allowed, reason, err := e.Evaluate(ctx, input)
	if err != nil {
		slog.Error("admission evaluation failed", "error", err, "tenant_id", tenant.TenantID)
		return Decision{Allowed: false, Reason: "policy evaluation failed"}
	}
	if !allowed {
		return Decision{Allowed: false, Reason: reason}
	}
	return Decision{Allowed: true}
}
