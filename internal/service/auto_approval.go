package service

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
)

var placeholderRe = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// AutoApprovalChecker decides whether a step can be skipped for a request.
// A department rule matches when the request amount is strictly below
// MaxAmount and its optional Criteria expression evaluates to true.
//
// Criteria are govaluate expressions over amount, currency, department_id,
// workflow_id and step_sequence. Payload fields are read with placeholders,
// e.g. `{{payload.category}} == "stationery" && amount < 20000`.
type AutoApprovalChecker struct {
	ref     repository.ReferenceReader
	enabled bool
	log     *logger.Logger
}

// NewAutoApprovalChecker creates an AutoApprovalChecker.
func NewAutoApprovalChecker(ref repository.ReferenceReader, cfg Config, log *logger.Logger) *AutoApprovalChecker {
	return &AutoApprovalChecker{ref: ref, enabled: cfg.AutoApprovalEnabled, log: log}
}

// IsAutoApprovable returns the first matching rule, or nil.
func (c *AutoApprovalChecker) IsAutoApprovable(ctx context.Context, req *repository.Request, step *repository.WorkflowStep) (*repository.AutoApprovalRule, error) {
	if !c.enabled {
		return nil, nil
	}
	rules, err := c.ref.ListAutoApprovalRules(ctx, req.DepartmentID)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if rule.WorkflowID != "" && rule.WorkflowID != req.WorkflowID {
			continue
		}
		if len(rule.StepIDs) > 0 && !slices.Contains(rule.StepIDs, step.ID) {
			continue
		}
		if req.Amount >= rule.MaxAmount {
			continue
		}
		ok, err := evaluateCriteria(rule.Criteria, req, step)
		if err != nil {
			return nil, ErrInvalidCriteria.WithDetail("rule %s: %v", rule.ID, err)
		}
		if ok {
			return rule, nil
		}
	}
	return nil, nil
}

func evaluateCriteria(expr string, req *repository.Request, step *repository.WorkflowStep) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	placeholders := map[string]string{}
	processed := placeholderRe.ReplaceAllStringFunc(expr, func(match string) string {
		name := fmt.Sprintf("var%d", len(placeholders))
		placeholders[name] = strings.TrimSpace(match[2 : len(match)-2])
		return name
	})

	expression, err := govaluate.NewEvaluableExpression(processed)
	if err != nil {
		return false, fmt.Errorf("parse: %w", err)
	}

	params := map[string]any{
		"amount":        float64(req.Amount),
		"currency":      req.Currency,
		"department_id": req.DepartmentID,
		"workflow_id":   req.WorkflowID,
		"step_sequence": float64(step.Sequence),
	}
	for name, path := range placeholders {
		params[name] = lookupPath(req, path)
	}
	for _, v := range expression.Vars() {
		if _, ok := params[v]; !ok {
			params[v] = nil
		}
	}

	result, err := expression.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("evaluate: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("result is %T, not bool", result)
	}
	return b, nil
}

// lookupPath resolves "payload.a.b" against the request payload. Numbers are
// widened to float64 for govaluate comparisons.
func lookupPath(req *repository.Request, path string) any {
	parts := strings.Split(path, ".")
	if len(parts) < 2 || parts[0] != "payload" {
		return nil
	}
	var cur any = req.Payload
	for _, p := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	switch n := cur.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return cur
}
