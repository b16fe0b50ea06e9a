package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

// validateInput checks input against the checkpoint's form and returns the
// values that become the step's output. Fields outside the form are dropped.
// A checkpoint without a form accepts any input as is.
func validateInput(ctx context.Context, step *Step, input map[string]any) (map[string]any, error) {
	if step.Form == nil {
		out := make(map[string]any, len(input))
		for k, v := range input {
			out[k] = v
		}
		return out, runValidator(ctx, step, out)
	}

	out := make(map[string]any, len(step.Form.Fields))
	problems := make(map[string]string)
	for _, f := range step.Form.Fields {
		v, ok := input[f.Name]
		if !ok || v == nil {
			switch {
			case f.Default != nil:
				out[f.Name] = f.Default
			case f.Required:
				problems[f.Name] = "required"
			}
			continue
		}
		cv, err := coerceField(f, v)
		if err != nil {
			problems[f.Name] = err.Error()
			continue
		}
		out[f.Name] = cv
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Step: step.Name, Form: step.Form, Fields: problems}
	}
	return out, runValidator(ctx, step, out)
}

func runValidator(ctx context.Context, step *Step, values map[string]any) error {
	if step.Validate == nil {
		return nil
	}
	if err := step.Validate(ctx, values); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			if ve.Step == "" {
				ve.Step = step.Name
			}
			if ve.Form == nil {
				ve.Form = step.Form
			}
			return ve
		}
		return &ValidationError{Step: step.Name, Form: step.Form, Reason: err.Error()}
	}
	return nil
}

func coerceField(f types.FormField, v any) (any, error) {
	var out any
	switch f.Type {
	case types.FieldString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		out = s
	case types.FieldInt:
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %v", v)
		}
		out = n
	case types.FieldNumber:
		n, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		out = n
	case types.FieldBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		out = b
	case types.FieldUUID:
		id, ok := subscriptionIDFrom(v)
		if !ok {
			return nil, fmt.Errorf("expected uuid, got %v", v)
		}
		out = id.String()
	case types.FieldObject:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", v)
		}
		out = m
	case types.FieldList:
		if reflect.ValueOf(v).Kind() != reflect.Slice {
			return nil, fmt.Errorf("expected list, got %T", v)
		}
		out = v
	default:
		out = v
	}

	if len(f.Choices) > 0 {
		s := fmt.Sprint(out)
		for _, c := range f.Choices {
			if c == s {
				return out, nil
			}
		}
		return nil, fmt.Errorf("%q is not one of %v", s, f.Choices)
	}
	return out, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return toInt(float64(n))
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	return 0, false
}
