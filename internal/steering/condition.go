package steering

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Condition operators.
const (
	OpContains = "contains"
	OpEquals   = "equals"
	OpGT       = "gt"
	OpLT       = "lt"
	OpExists   = "exists"
)

// Condition is a single field test. Value is unused for "exists".
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// evalCondition evaluates one condition against the context. Malformed
// values and missing fields evaluate false; conditions never error out.
func evalCondition(ctx *EvalContext, cond Condition, logger *logrus.Logger) bool {
	field := ctx.Field(cond.Field)

	switch cond.Operator {
	case OpExists:
		return field.Exists()
	case OpContains:
		if !field.Exists() {
			return false
		}
		return strings.Contains(field.String(), stringify(cond.Value))
	case OpEquals:
		if !field.Exists() {
			return false
		}
		return jsonEqual(field, cond.Value)
	case OpGT:
		n, ok := numericField(field)
		if !ok {
			return false
		}
		v, ok := toFloat(cond.Value)
		if !ok {
			return false
		}
		return n > v
	case OpLT:
		n, ok := numericField(field)
		if !ok {
			return false
		}
		v, ok := toFloat(cond.Value)
		if !ok {
			return false
		}
		return n < v
	default:
		logger.WithFields(logrus.Fields{
			"operator": cond.Operator,
			"field":    cond.Field,
		}).Warn("Unknown condition operator, treating as non-match")
		return false
	}
}

// numericField extracts a number from the resolved field. Non-numeric or
// missing fields report not-ok rather than an error.
func numericField(field gjson.Result) (float64, bool) {
	if !field.Exists() || field.Type != gjson.Number {
		return 0, false
	}
	return field.Num, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// jsonEqual performs deep equality between a resolved field and a
// condition value by normalizing both through JSON encoding.
func jsonEqual(field gjson.Result, value interface{}) bool {
	want, err := json.Marshal(value)
	if err != nil {
		return false
	}
	got, err := json.Marshal(field.Value())
	if err != nil {
		return false
	}
	return string(want) == string(got)
}
