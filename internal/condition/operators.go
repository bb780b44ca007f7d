package condition

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// equalsComparator implements strict equality. Numbers compare by value
// regardless of their Go type (JSON decoding yields float64, callers often pass
// int), but a numeric string never equals a number.
type equalsComparator struct{}

func (equalsComparator) Compare(fact, operand any) (bool, error) {
	return strictEqual(fact, operand), nil
}

// numericComparator implements greaterThan (want=1) and lessThan (want=-1).
type numericComparator struct {
	want int
}

func (c numericComparator) Compare(fact, operand any) (bool, error) {
	f, ok := toFloat(fact)
	if !ok {
		return false, fmt.Errorf("fact is not numeric: %T", fact)
	}
	v, ok := toFloat(operand)
	if !ok {
		return false, fmt.Errorf("operand is not numeric: %T", operand)
	}

	switch {
	case f > v:
		return c.want == 1, nil
	case f < v:
		return c.want == -1, nil
	default:
		return false, nil
	}
}

// containsComparator tests membership for collections and substring
// inclusion for everything else.
type containsComparator struct{}

func (containsComparator) Compare(fact, operand any) (bool, error) {
	rv := reflect.ValueOf(fact)

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if strictEqual(rv.Index(i).Interface(), operand) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return false, fmt.Errorf("unsupported map key type: %s", rv.Type().Key())
		}
		key := reflect.ValueOf(stringify(operand)).Convert(rv.Type().Key())
		return rv.MapIndex(key).IsValid(), nil
	default:
		return strings.Contains(stringify(fact), stringify(operand)), nil
	}
}

// timeComparator implements after (want=1) and before (want=-1).
type timeComparator struct {
	want int
}

func (c timeComparator) Compare(fact, operand any) (bool, error) {
	f, ok := toTime(fact)
	if !ok {
		return false, fmt.Errorf("fact is not a timestamp: %T", fact)
	}
	v, ok := toTime(operand)
	if !ok {
		return false, fmt.Errorf("operand is not a timestamp: %T", operand)
	}

	if c.want == 1 {
		return f.After(v), nil
	}
	return f.Before(v), nil
}

// betweenComparator checks an inclusive [start, end] date range.
type betweenComparator struct{}

func (betweenComparator) Compare(fact, operand any) (bool, error) {
	f, ok := toTime(fact)
	if !ok {
		return false, fmt.Errorf("fact is not a timestamp: %T", fact)
	}
	start, end, err := dateRange(operand)
	if err != nil {
		return false, err
	}
	return !f.Before(start) && !f.After(end), nil
}

// dateRange accepts [start, end] or {"start": ..., "end": ...}.
func dateRange(operand any) (time.Time, time.Time, error) {
	var rawStart, rawEnd any

	switch v := operand.(type) {
	case map[string]any:
		rawStart, rawEnd = v["start"], v["end"]
	default:
		rv := reflect.ValueOf(operand)
		if (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Len() != 2 {
			return time.Time{}, time.Time{}, fmt.Errorf("between expects a two-element range, got %T", operand)
		}
		rawStart, rawEnd = rv.Index(0).Interface(), rv.Index(1).Interface()
	}

	start, ok := toTime(rawStart)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid range start: %v", rawStart)
	}
	end, ok := toTime(rawEnd)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid range end: %v", rawEnd)
	}
	return start, end, nil
}
