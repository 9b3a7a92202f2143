package cleanup

import (
	"fmt"
	"strconv"
	"strings"

	"inventory-collector/internal/store"
)

// Expression selects resources of one type, optionally narrowed by a filter,
// e.g. "inventory.Server?data.aws.lifecycle=spot&tags.env!=".
type Expression struct {
	Raw          string
	ResourceType string
	Conditions   []store.Condition
}

// operators, two-character forms first so "<=" is not read as "<".
var operators = []store.Op{store.OpNe, store.OpLte, store.OpGte, store.OpEq, store.OpLt, store.OpGt}

// ParseExpression splits on the first '?' and parses the '&'-joined filter terms.
// An empty right-hand side means the field is absent or null.
func ParseExpression(raw string) (Expression, error) {
	expr := Expression{Raw: raw}
	typ, query, hasQuery := strings.Cut(strings.TrimSpace(raw), "?")
	expr.ResourceType = strings.TrimSpace(typ)
	if expr.ResourceType == "" {
		return Expression{}, fmt.Errorf("expression %q: missing resource type", raw)
	}
	if !hasQuery {
		return expr, nil
	}
	if strings.TrimSpace(query) == "" {
		return Expression{}, fmt.Errorf("expression %q: empty filter", raw)
	}
	for _, term := range strings.Split(query, "&") {
		c, err := parseTerm(term)
		if err != nil {
			return Expression{}, fmt.Errorf("expression %q: %w", raw, err)
		}
		expr.Conditions = append(expr.Conditions, c)
	}
	return expr, nil
}

func parseTerm(term string) (store.Condition, error) {
	idx, op := -1, store.Op("")
	for i := 0; i < len(term) && idx < 0; i++ {
		for _, candidate := range operators {
			if strings.HasPrefix(term[i:], string(candidate)) {
				idx, op = i, candidate
				break
			}
		}
	}
	if idx < 0 {
		return store.Condition{}, fmt.Errorf("term %q has no operator", term)
	}
	key := strings.TrimSpace(term[:idx])
	value := strings.TrimSpace(term[idx+len(op):])
	if key == "" {
		return store.Condition{}, fmt.Errorf("term %q has no key", term)
	}
	if value == "" {
		if op != store.OpEq && op != store.OpNe {
			return store.Condition{}, fmt.Errorf("term %q: %s needs a value", term, op)
		}
		return store.Condition{Key: key, Op: op, Null: true}, nil
	}
	if unq, err := strconv.Unquote(value); err == nil {
		value = unq
	}
	return store.Condition{Key: key, Op: op, Value: value}, nil
}
