package query

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// QueryObject is the parsed top level of the declarative query
// specification: one raw value per section, shape-checked by the section
// handlers.
type QueryObject struct {
	Project   any
	Filter    any
	Sort      any
	Group     any
	Join      any
	Joinf     any
	Aggregate any
	Limit     any
	Skip      any
	Count     any
}

// ParseQueryObject splits a raw mapping into sections. Unknown section
// names are an InvalidQuery error.
func ParseQueryObject(raw map[string]any) (*QueryObject, error) {
	qo := &QueryObject{}
	for key, value := range raw {
		switch key {
		case "project":
			qo.Project = value
		case "filter":
			qo.Filter = value
		case "sort":
			qo.Sort = value
		case "group":
			qo.Group = value
		case "join":
			qo.Join = value
		case "joinf":
			qo.Joinf = value
		case "aggregate":
			qo.Aggregate = value
		case "limit":
			qo.Limit = value
		case "skip":
			qo.Skip = value
		case "count":
			qo.Count = value
		default:
			return nil, invalidQuery("", "unknown query object section %q", key)
		}
	}
	return qo, nil
}

// ParseJSON decodes a JSON document into a QueryObject.
func ParseJSON(data []byte) (*QueryObject, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalidQuery("", "not a JSON object: %v", err)
	}
	return ParseQueryObject(raw)
}

// asInt accepts the integer shapes JSON decoding can produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// truthy mirrors the grammar's bool|int acceptance for flags.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		if n, ok := asInt(v); ok {
			return n != 0
		}
		return false
	}
}

// stringList accepts []any of strings or []string.
func stringList(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// sortedKeys returns a map's keys in lexicographic order. Handlers iterate
// criteria in this order so compiled SQL and parameter order are
// deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// describeType names a raw value's JSON type for error messages.
func describeType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case float64, int, int64, json.Number:
		return "number"
	case []any, []string:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
