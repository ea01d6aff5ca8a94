package tools

import "encoding/json"

// Result is the unified return type from tool execution. ForLLM is the JSON
// document fed back to the model as the role:tool message; it is always
// valid JSON, error or not, so the model can adapt to failures.
type Result struct {
	ForLLM  string `json:"for_llm"`
	IsError bool   `json:"is_error"`
	Err     error  `json:"-"` // internal error (not serialized)
}

// JSONResult marshals v as the tool payload.
func JSONResult(v any) *Result {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorResult("internal: marshal tool result: " + err.Error())
	}
	return &Result{ForLLM: string(data)}
}

// ErrorResult produces a {success:false, error} payload. Not fatal to the
// turn; the model sees the error text and can retry or adapt.
func ErrorResult(message string) *Result {
	data, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   message,
	})
	return &Result{ForLLM: string(data), IsError: true}
}

// TimeoutResult produces the uniform timeout payload with the request id
// for diagnostics.
func TimeoutResult(requestID string) *Result {
	data, _ := json.Marshal(map[string]any{
		"success":    false,
		"error":      "timeout",
		"request_id": requestID,
	})
	return &Result{ForLLM: string(data), IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
