// Package policy evaluates operator-defined payment rules before a payment
// is dispatched to a provider.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/payment"
)

// PolicyRule is one named boolean expression. Variables available to the
// expression are amount (float), currency, provider and customer_id.
type PolicyRule struct {
	ID         string
	Expression string
	Priority   int // lower runs first
}

type compiledRule struct {
	PolicyRule
	expr *govaluate.EvaluableExpression
}

// PaymentPolicyEnforcer holds the compiled rule set.
type PaymentPolicyEnforcer struct {
	rules []compiledRule
}

// NewPaymentPolicyEnforcer compiles every rule. A rule that does not compile
// is a configuration error.
func NewPaymentPolicyEnforcer(rules []PolicyRule) (*PaymentPolicyEnforcer, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r.Expression) == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{PolicyRule: r, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority < compiled[j].Priority })
	return &PaymentPolicyEnforcer{rules: compiled}, nil
}

// ParseRules reads "name=expression" pairs separated by semicolons, in
// priority order.
func ParseRules(raw string) ([]PolicyRule, error) {
	var rules []PolicyRule
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, expr, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("policy: malformed rule %q, want name=expression", part)
		}
		rules = append(rules, PolicyRule{ID: name, Expression: strings.TrimSpace(expr), Priority: len(rules)})
	}
	return rules, nil
}

// Len reports how many rules are loaded.
func (ppe *PaymentPolicyEnforcer) Len() int { return len(ppe.rules) }

func parameters(req payment.PaymentRequest) map[string]interface{} {
	amount, _ := req.Amount.Float64()
	return map[string]interface{}{
		"amount":      amount,
		"currency":    req.Currency,
		"provider":    string(req.Provider),
		"customer_id": req.CustomerID,
	}
}

// Evaluate runs the rules against a normalized request. The first rule that
// evaluates to false rejects it with a ValidationError naming the rule.
func (ppe *PaymentPolicyEnforcer) Evaluate(req payment.PaymentRequest) error {
	if ppe == nil || len(ppe.rules) == 0 {
		return nil
	}
	params := parameters(req)
	for _, r := range ppe.rules {
		out, err := r.expr.Evaluate(params)
		if err != nil {
			return apperr.InternalErr("Payment rule evaluation failed", fmt.Errorf("rule %s: %w", r.ID, err)).
				WithDetail("rule", r.ID)
		}
		ok, isBool := out.(bool)
		if !isBool {
			return apperr.InternalErr("Payment rule evaluation failed", fmt.Errorf("rule %s returned %T, want bool", r.ID, out)).
				WithDetail("rule", r.ID)
		}
		if !ok {
			return apperr.ValidationErr("Payment rejected by rule "+r.ID, nil).WithDetail("rule", r.ID)
		}
	}
	return nil
}
