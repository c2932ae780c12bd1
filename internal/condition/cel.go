package condition

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/open-rewards/talon/internal/domain"
)

// programCache compiles expression-leaf CEL programs once per distinct
// expression and reuses them across evaluations.
type programCache struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

func newProgramCache() (*programCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("settlement_amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("mcc", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("is_online", cel.BoolType),
		cel.Variable("is_contactless", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &programCache{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// ValidateExpression compiles an expression without caching it, so the
// rule store can reject bad expressions at write time.
func (e *Evaluator) ValidateExpression(expr string) error {
	_, err := e.programs.compile(expr)
	return err
}

// evaluateExpression runs an expression leaf. Compile or evaluation
// errors count as no-match; write-time validation should have caught
// them already.
func (e *Evaluator) evaluateExpression(expr string, in *domain.CalculationInput) bool {
	if expr == "" {
		return false
	}

	program, err := e.programs.get(expr)
	if err != nil {
		slog.Warn("condition expression failed to compile",
			"expression", expr,
			"error", err,
		)
		return false
	}

	settlement := in.Amount
	if in.SettlementAmount != nil {
		settlement = *in.SettlementAmount
	}

	out, _, err := program.Eval(map[string]any{
		"amount":            in.Amount,
		"settlement_amount": settlement,
		"currency":          in.Currency,
		"mcc":               in.MCC,
		"merchant":          in.MerchantName,
		"category":          in.Category,
		"is_online":         in.IsOnline,
		"is_contactless":    in.IsContactless,
	})
	if err != nil {
		slog.Warn("condition expression evaluation failed",
			"expression", expr,
			"error", err,
		)
		return false
	}

	b, ok := out.(types.Bool)
	return ok && bool(b)
}

func (c *programCache) get(expr string) (cel.Program, error) {
	c.mu.RLock()
	program, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := c.compile(expr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.programs[expr] = program
	c.mu.Unlock()
	return program, nil
}

func (c *programCache) compile(expr string) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return program, nil
}
