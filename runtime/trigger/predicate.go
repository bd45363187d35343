package trigger

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/weftworks/weft/catalog/workflow"
)

// matchPredicates reports whether every predicate holds against the envelope
// document (logical AND). Evaluation errors fail the whole match.
func matchPredicates(ctx context.Context, preds []workflow.Predicate, doc map[string]any) (bool, error) {
	for i := range preds {
		ok, err := evalPredicate(ctx, &preds[i], doc)
		if err != nil {
			return false, fmt.Errorf("predicate %s: %w", preds[i].Path, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalPredicate(ctx context.Context, pred *workflow.Predicate, doc map[string]any) (bool, error) {
	value, exists, err := evalPath(ctx, pred.Path, doc)
	if err != nil {
		return false, err
	}
	switch pred.Operator {
	case workflow.OpExists:
		return exists, nil
	case workflow.OpEquals:
		return exists && looseEqual(value, pred.Value), nil
	case workflow.OpNotEquals:
		return !exists || !looseEqual(value, pred.Value), nil
	case workflow.OpIn:
		if !exists {
			return false, nil
		}
		for _, candidate := range pred.Values {
			if looseEqual(value, candidate) {
				return true, nil
			}
		}
		return false, nil
	case workflow.OpNotIn:
		if !exists {
			return true, nil
		}
		for _, candidate := range pred.Values {
			if looseEqual(value, candidate) {
				return false, nil
			}
		}
		return true, nil
	case workflow.OpGreaterThan:
		return exists && compare(value, pred.Value) > 0, nil
	case workflow.OpLessThan:
		return exists && compare(value, pred.Value) < 0, nil
	case workflow.OpMatches:
		if !exists {
			return false, nil
		}
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		matched, err := regexp.MatchString(pred.Pattern, s)
		if err != nil {
			return false, fmt.Errorf("pattern %q: %w", pred.Pattern, err)
		}
		return matched, nil
	default:
		return false, fmt.Errorf("unknown operator %q", pred.Operator)
	}
}

// evalPath resolves a JSONPath-style expression against the document using a
// jq query. "$.payload.region" becomes ".payload.region". A null or absent
// result reports exists=false.
func evalPath(ctx context.Context, path string, doc map[string]any) (any, bool, error) {
	query, err := gojq.Parse(jqExpression(path))
	if err != nil {
		return nil, false, fmt.Errorf("parse path %q: %w", path, err)
	}
	iter := query.RunWithContext(ctx, doc)
	v, ok := iter.Next()
	if !ok {
		return nil, false, nil
	}
	if _, isErr := v.(error); isErr {
		// jq reports traversal through a non-object as an error; the path
		// simply does not resolve on this envelope.
		return nil, false, nil
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

func jqExpression(path string) string {
	expr := strings.TrimSpace(path)
	expr = strings.TrimPrefix(expr, "$")
	if expr == "" {
		return "."
	}
	if !strings.HasPrefix(expr, ".") && !strings.HasPrefix(expr, "[") {
		expr = "." + expr
	}
	return expr
}

// looseEqual compares with numeric widening so a JSON 5 equals an int 5.
func looseEqual(a, b any) bool {
	if fa, oka := toFloat(a); oka {
		if fb, okb := toFloat(b); okb {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two values: numerically when both are numbers, lexically
// when both are strings. Incomparable pairs order as equal so greaterThan and
// lessThan both fail.
func compare(a, b any) int {
	if fa, oka := toFloat(a); oka {
		if fb, okb := toFloat(b); okb {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if sa, oka := a.(string); oka {
		if sb, okb := b.(string); okb {
			return strings.Compare(sa, sb)
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
