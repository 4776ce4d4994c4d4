package triggers

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/samber/lo"
)

var (
	ErrInvalidRule = fmt.Errorf("invalid trigger rule")
	ErrNotNumeric  = fmt.Errorf("value is not numeric")
)

type Result struct {
	Alarmed    bool
	Conditions []types.TriggeredCondition
	// Errors holds one entry per rule that was skipped, either because the
	// rule is malformed or because the reading value could not be compared.
	Errors []error
}

// Evaluate compares the latest reading of a module against its enabled
// trigger rules. A nil reading is never alarmed.
func Evaluate(module types.Module, latest *types.Reading) Result {
	result := Result{
		Conditions: []types.TriggeredCondition{},
	}

	enabled := lo.PickBy(module.Triggers, func(_ string, rule types.TriggerRule) bool {
		return rule.Enabled
	})

	if len(enabled) == 0 || latest == nil {
		return result
	}

	fields := lo.Keys(enabled)
	sort.Strings(fields)

	for _, field := range fields {
		rule := enabled[field]

		if err := ValidateRule(field, rule); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}

		raw, ok := latest.Fields[field]
		if !ok {
			continue
		}

		value, err := toFloat(raw)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("field %s: %w", field, err))
			continue
		}

		condition := strings.ToUpper(rule.Condition)

		if (condition == types.ConditionAbove && value > rule.Threshold) ||
			(condition == types.ConditionBelow && value < rule.Threshold) {
			result.Conditions = append(result.Conditions, types.TriggeredCondition{
				Field:     field,
				Value:     value,
				Threshold: rule.Threshold,
				Condition: condition,
			})
		}
	}

	result.Alarmed = len(result.Conditions) > 0

	return result
}

func ValidateRule(field string, rule types.TriggerRule) error {
	if strings.TrimSpace(field) == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidRule)
	}

	condition := strings.ToUpper(rule.Condition)
	if condition != types.ConditionAbove && condition != types.ConditionBelow {
		return fmt.Errorf("%w: field %s has unknown condition %q", ErrInvalidRule, field, rule.Condition)
	}

	if math.IsNaN(rule.Threshold) || math.IsInf(rule.Threshold, 0) {
		return fmt.Errorf("%w: field %s has a non finite threshold", ErrInvalidRule, field)
	}

	return nil
}

// Sanitize normalizes rule conditions and disables every rule that fails
// ValidateRule. The returned errors describe the rules that were disabled.
func Sanitize(rules map[string]types.TriggerRule) (map[string]types.TriggerRule, []error) {
	sanitized := make(map[string]types.TriggerRule, len(rules))
	var errs []error

	for field, rule := range rules {
		if err := ValidateRule(field, rule); err != nil {
			errs = append(errs, err)
			rule.Enabled = false
		} else {
			rule.Condition = strings.ToUpper(rule.Condition)
		}
		sanitized[field] = rule
	}

	return sanitized, errs
}

// Statistics counts configured and enabled trigger rules per module kind,
// sorted by kind.
func Statistics(modules []types.Module) []types.TriggerStatistics {
	byKind := lo.GroupBy(modules, func(m types.Module) string {
		return m.Kind
	})

	stats := make([]types.TriggerStatistics, 0, len(byKind))

	for kind, mods := range byKind {
		s := types.TriggerStatistics{
			Kind:        kind,
			ModuleCount: len(mods),
		}
		for _, m := range mods {
			s.TotalTriggers += len(m.Triggers)
			s.ActiveTriggers += lo.CountBy(lo.Values(m.Triggers), func(r types.TriggerRule) bool {
				return r.Enabled
			})
		}
		stats = append(stats, s)
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Kind < stats[j].Kind
	})

	return stats
}

func toFloat(v any) (float64, error) {
	var f float64

	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, n.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: %v", ErrNotNumeric, v)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNotNumeric, v)
	}

	return f, nil
}
