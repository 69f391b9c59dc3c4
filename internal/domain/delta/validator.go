package delta

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"possync/internal/core/apperror"
	"possync/pkg/logger"
)

// Rule is one validation rule evaluated against every upserted item.
// Expressions are CEL over the variables name (string), price (double),
// active (bool), and modifier_count (int). A rule passes when it evaluates
// to true.
type Rule struct {
	Name string
	Expr string
}

// DefaultRules returns the marketplace acceptance rules enforced before
// submission. Violations are business errors, never retried automatically.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "name_required", Expr: `name.size() > 0`},
		{Name: "name_length", Expr: `name.size() <= 256`},
		{Name: "price_non_negative", Expr: `price >= 0.0`},
		{Name: "price_upper_bound", Expr: `price < 100000.0`},
		{Name: "modifier_limit", Expr: `modifier_count <= 50`},
	}
}

// Violation is one failed rule on one item.
type Violation struct {
	ItemID string `json:"itemId"`
	Rule   string `json:"rule"`
}

type compiledRule struct {
	name    string
	program cel.Program
}

// Validator evaluates the rule set against wire payloads.
type Validator struct {
	rules []compiledRule
}

// NewValidator compiles the rule set. Invalid expressions fail construction.
func NewValidator(rules []Rule) (*Validator, error) {
	env, err := cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("price", cel.DoubleType),
		cel.Variable("active", cel.BoolType),
		cel.Variable("modifier_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		ast, iss := env.Compile(rule.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("compile rule %q: %w", rule.Name, iss.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program rule %q: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{name: rule.Name, program: program})
	}
	return &Validator{rules: compiled}, nil
}

// Validate checks every upserted item in the payload. On any violation it
// returns a VALIDATION_ERROR AppError carrying the full violation list.
func (v *Validator) Validate(ctx context.Context, payload *WirePayload) error {
	var violations []Violation
	for _, item := range payload.Upserts {
		violations = append(violations, v.validateItem(ctx, item)...)
	}
	if len(violations) == 0 {
		return nil
	}

	logger.Warn(ctx, "delta payload failed validation",
		"scope_id", payload.ScopeID,
		"violations", len(violations),
	)
	return apperror.NewValidation("delta payload failed validation rules").
		WithDetail("violations", violations).
		WithDetail("scope_id", payload.ScopeID)
}

func (v *Validator) validateItem(ctx context.Context, item WireItem) []Violation {
	price, err := strconv.ParseFloat(item.Price, 64)
	if err != nil {
		return []Violation{{ItemID: item.ID, Rule: "price_numeric"}}
	}

	input := map[string]any{
		"name":           item.Name,
		"price":          price,
		"active":         item.Active,
		"modifier_count": len(item.Modifiers),
	}

	var violations []Violation
	for _, rule := range v.rules {
		out, _, err := rule.program.Eval(input)
		if err != nil {
			logger.Error(ctx, "validation rule evaluation failed",
				"rule", rule.name,
				"item_id", item.ID,
				"error", err,
			)
			violations = append(violations, Violation{ItemID: item.ID, Rule: rule.name})
			continue
		}
		if out != types.True {
			violations = append(violations, Violation{ItemID: item.ID, Rule: rule.name})
		}
	}
	return violations
}
