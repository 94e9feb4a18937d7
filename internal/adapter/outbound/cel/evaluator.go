// Package cel provides a CEL-based condition over verified token claims.
package cel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/Sentinel-Gate/runtimegate/internal/domain/auth"
)

// maxExpressionLength is the maximum allowed length for a condition.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single evaluation.
const evalTimeout = 250 * time.Millisecond

// interruptCheckFreq is how often (in comprehension iterations) cancellation is checked.
const interruptCheckFreq = 100

// NewClaimsEnvironment creates the CEL environment conditions are compiled in.
// Variables:
//   - claims: map(string, dyn), the verified JWT payload
//   - now:    timestamp of the evaluation
func NewClaimsEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
}

// ClaimsCondition is a compiled CEL expression that verified claims must satisfy.
// It implements auth.ClaimsPolicy and is safe for concurrent use.
type ClaimsCondition struct {
	expr string
	prg  cel.Program
	now  func() time.Time
}

var _ auth.ClaimsPolicy = (*ClaimsCondition)(nil)

// NewClaimsCondition validates and compiles expr.
func NewClaimsCondition(expr string) (*ClaimsCondition, error) {
	if err := validateExpression(expr); err != nil {
		return nil, err
	}

	env, err := NewClaimsEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create claims environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return &ClaimsCondition{expr: expr, prg: prg, now: time.Now}, nil
}

// String returns the source expression.
func (c *ClaimsCondition) String() string {
	return c.expr
}

// Evaluate reports whether claims satisfy the condition.
// A missing claim referenced by the expression is an evaluation error,
// which callers treat as a rejection; use has(claims.x) to test presence.
func (c *ClaimsCondition) Evaluate(ctx context.Context, claims auth.Claims) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	activation := map[string]any{
		"claims": normalize(map[string]any(claims)),
		"now":    c.now(),
	}

	result, _, err := c.prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

// normalize converts json.Number values, which CEL does not understand,
// into int64 or float64.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// validateExpression enforces the length and nesting limits before compiling.
func validateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			maxDepth = max(maxDepth, depth)
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}
