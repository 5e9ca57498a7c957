package services

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"crmflow/internal/models"

	"github.com/google/cel-go/cel"
	"github.com/sirupsen/logrus"
)

// celCostLimit bounds a single expression evaluation.
const celCostLimit = 1000000

// ConditionEvaluator evaluates AND/OR condition groups against an entity.
// Rule evaluation is pure; CEL programs are compiled once and cached.
type ConditionEvaluator struct {
	logger   *logrus.Logger
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

// NewConditionEvaluator 创建条件评估器
func NewConditionEvaluator(logger *logrus.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = logrus.New()
	}
	env, err := cel.NewEnv(
		cel.Variable("entity", cel.DynType),
		cel.Variable("previous", cel.DynType),
	)
	if err != nil {
		// only fails on invalid declarations
		logger.Errorf("condition: create CEL environment failed: %v", err)
	}
	return &ConditionEvaluator{
		logger:   logger,
		env:      env,
		programs: make(map[string]cel.Program),
	}
}

// Evaluate reports whether entity satisfies group.
func (e *ConditionEvaluator) Evaluate(entity models.Entity, group models.ConditionGroup) bool {
	return e.EvaluateWithPrevious(entity, nil, group)
}

// EvaluateWithPrevious is Evaluate with the pre-change entity available to
// the change operators and to CEL as `previous`.
func (e *ConditionEvaluator) EvaluateWithPrevious(entity, previous models.Entity, group models.ConditionGroup) bool {
	if !MatchRules(entity, previous, group.Operator, group.Rules) {
		return false
	}
	if strings.TrimSpace(group.Expression) == "" {
		return true
	}
	return e.evalExpression(group.Expression, entity, previous)
}

// MatchRules applies the AND/OR semantics to rules. Empty rules match under
// both operators.
func MatchRules(entity, previous models.Entity, operator string, rules []models.Condition) bool {
	if len(rules) == 0 {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(operator), models.MatchAny) {
		for _, r := range rules {
			if EvaluateCondition(entity, previous, r) {
				return true
			}
		}
		return false
	}
	for _, r := range rules {
		if !EvaluateCondition(entity, previous, r) {
			return false
		}
	}
	return true
}

// EvaluateCondition evaluates a single condition. Unknown operators are false.
func EvaluateCondition(entity, previous models.Entity, cond models.Condition) bool {
	actual, present := entity.Get(cond.Field)

	switch normalizeOperator(cond.Operator) {
	case models.OpEq:
		return present && valuesEqual(actual, cond.Value)
	case models.OpNe:
		return !present || !valuesEqual(actual, cond.Value)
	case models.OpGt:
		return compareNumbers(actual, present, cond.Value, func(a, b float64) bool { return a > b })
	case models.OpGte:
		return compareNumbers(actual, present, cond.Value, func(a, b float64) bool { return a >= b })
	case models.OpLt:
		return compareNumbers(actual, present, cond.Value, func(a, b float64) bool { return a < b })
	case models.OpLte:
		return compareNumbers(actual, present, cond.Value, func(a, b float64) bool { return a <= b })
	case models.OpContains:
		return present && containsValue(actual, cond.Value)
	case models.OpNotContains:
		return !present || !containsValue(actual, cond.Value)
	case models.OpIn:
		list, ok := asList(cond.Value)
		return ok && present && listContains(list, actual)
	case models.OpNotIn:
		list, ok := asList(cond.Value)
		if !ok {
			return true
		}
		return !present || !listContains(list, actual)
	case models.OpIsEmpty:
		return !present || models.IsEmptyValue(actual)
	case models.OpIsNotEmpty:
		return present && !models.IsEmptyValue(actual)
	case models.OpWasChanged:
		if previous == nil {
			return false
		}
		before, hadBefore := previous.Get(cond.Field)
		return changed(before, hadBefore, actual, present)
	case models.OpChangedFrom:
		if previous == nil {
			return false
		}
		before, hadBefore := previous.Get(cond.Field)
		return hadBefore && valuesEqual(before, cond.Value) && changed(before, hadBefore, actual, present)
	case models.OpChangedTo:
		if previous == nil {
			return false
		}
		before, hadBefore := previous.Get(cond.Field)
		return present && valuesEqual(actual, cond.Value) && changed(before, hadBefore, actual, present)
	default:
		return false
	}
}

var operatorAliases = map[string]string{
	"==":           models.OpEq,
	"=":            models.OpEq,
	"equals":       models.OpEq,
	"!=":           models.OpNe,
	"not_equals":   models.OpNe,
	"neq":          models.OpNe,
	">":            models.OpGt,
	"greater_than": models.OpGt,
	">=":           models.OpGte,
	"<":            models.OpLt,
	"less_than":    models.OpLt,
	"<=":           models.OpLte,
}

func normalizeOperator(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := operatorAliases[op]; ok {
		return alias
	}
	return op
}

func changed(before interface{}, hadBefore bool, after interface{}, hasAfter bool) bool {
	if hadBefore != hasAfter {
		return true
	}
	return !valuesEqual(before, after)
}

// valuesEqual compares numerically when both sides are numbers, otherwise as
// case-insensitive strings.
func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
	}
	return strings.EqualFold(stringify(a), stringify(b))
}

func compareNumbers(actual interface{}, present bool, expected interface{}, cmp func(a, b float64) bool) bool {
	if !present {
		return false
	}
	x, ok := toNumber(actual)
	if !ok {
		return false
	}
	y, ok := toNumber(expected)
	if !ok {
		return false
	}
	return cmp(x, y)
}

func containsValue(actual, expected interface{}) bool {
	if list, ok := asList(actual); ok {
		return listContains(list, expected)
	}
	if actual == nil {
		return false
	}
	return strings.Contains(strings.ToLower(stringify(actual)), strings.ToLower(stringify(expected)))
}

func listContains(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

func asList(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case []interface{}:
		return t, true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// toNumber coerces v to a finite float64. nil, bools, empty and non-numeric
// strings do not coerce.
func toNumber(v interface{}) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case int:
		f = float64(t)
	case int8:
		f = float64(t)
	case int16:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint8:
		f = float64(t)
	case uint16:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case float32:
		f = float64(t)
	case float64:
		f = t
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := toNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func (e *ConditionEvaluator) evalExpression(expr string, entity, previous models.Entity) bool {
	prog, err := e.program(expr)
	if err != nil {
		e.logger.Warnf("condition: invalid expression %q: %v", expr, err)
		return false
	}
	out, _, err := prog.Eval(map[string]interface{}{
		"entity":   plainMap(entity),
		"previous": plainMap(previous),
	})
	if err != nil {
		e.logger.Debugf("condition: expression %q evaluation failed: %v", expr, err)
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}
	if e.env == nil {
		return nil, fmt.Errorf("CEL environment unavailable")
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := e.env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	e.mu.Lock()
	e.programs[expr] = prog
	e.mu.Unlock()
	return prog, nil
}

// plainMap converts nested Entity values so CEL sees ordinary maps.
func plainMap(entity models.Entity) map[string]interface{} {
	out := make(map[string]interface{}, len(entity))
	for k, v := range entity {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v interface{}) interface{} {
	switch t := v.(type) {
	case models.Entity:
		return plainMap(t)
	case map[string]interface{}:
		return plainMap(models.Entity(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = plainValue(item)
		}
		return out
	default:
		return v
	}
}
