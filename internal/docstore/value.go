package docstore

import (
	"cmp"
	"time"
)

// TimeLayout is how timestamps are stored. Fixed-width UTC keeps string order
// equal to time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type serverTimestamp struct{}

// ServerTimestamp is a field value that the store replaces with the commit
// time when the write is applied.
var ServerTimestamp = serverTimestamp{}

// resolveFields copies data, replacing ServerTimestamp and time.Time values
// with stored timestamp strings. Nested maps are resolved too.
func resolveFields(data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = resolveValue(v, now)
	}
	return out
}

func resolveValue(v any, now time.Time) any {
	switch t := v.(type) {
	case serverTimestamp:
		return now.UTC().Format(TimeLayout)
	case time.Time:
		return t.UTC().Format(TimeLayout)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(TimeLayout)
	case map[string]any:
		return resolveFields(t, now)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = resolveValue(item, now)
		}
		return items
	default:
		return v
	}
}

// typeRank orders values of different JSON types: null, bool, number, string, other.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

// compareValues orders two decoded JSON values.
func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		return cmp.Compare(x, b.(float64))
	case string:
		return cmp.Compare(x, b.(string))
	}
	return 0
}
