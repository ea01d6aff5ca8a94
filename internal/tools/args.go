package tools

import "encoding/json"

func decodeJSON(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// Argument readers for the decoded JSON argument map. JSON numbers arrive
// as float64; models occasionally send ints as strings, which the settings
// layer tolerates but tool arguments do not.

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func numArg(args map[string]any, key string) (float64, bool) {
	v, ok := args[key].(float64)
	return v, ok
}

func intArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key].(float64)
	return int(v), ok
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func listArg(args map[string]any, key string) []any {
	v, _ := args[key].([]any)
	return v
}

func stringList(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
