package core

import (
	"encoding/json"
	"fmt"
)

// Result is the outcome of a unit of work. Both variants carry a payload:
// a successful task returns its value, a failed task carries its error
// record, and a failed interpretation carries the partial result map.
type Result struct {
	success bool
	value   json.RawMessage
}

// Success wraps a value into a successful Result. The value must be JSON
// serializable; values that are not are stored as their string form.
func Success(v any) Result {
	return Result{success: true, value: encodeValue(v)}
}

// Failure wraps a value into a failed Result.
func Failure(v any) Result {
	return Result{success: false, value: encodeValue(v)}
}

// Failuref formats a message into a failed Result.
func Failuref(format string, args ...any) Result {
	return Failure(fmt.Sprintf(format, args...))
}

func encodeValue(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return data
}

// IsSuccess reports whether the result is the Success variant.
func (r Result) IsSuccess() bool {
	return r.success
}

// Value returns the raw JSON payload of the result.
func (r Result) Value() json.RawMessage {
	return r.value
}

// Decode unmarshals the payload into the given destination.
func (r Result) Decode(into any) error {
	return json.Unmarshal(r.value, into)
}

// ErrorMessage renders the payload of a failed result as a string. For a
// string payload the quotes are stripped; other payloads are returned as
// compact JSON.
func (r Result) ErrorMessage() string {
	var s string
	if err := json.Unmarshal(r.value, &s); err == nil {
		return s
	}
	return string(r.value)
}

// String implements fmt.Stringer.
func (r Result) String() string {
	if r.success {
		return fmt.Sprintf("Success: %s", string(r.value))
	}
	return fmt.Sprintf("Failure: %s", string(r.value))
}

const (
	resultTypeSuccess = "success"
	resultTypeFailure = "failure"
)

type resultJSON struct {
	ResultType string          `json:"result_type"`
	Value      json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	typ := resultTypeFailure
	if r.success {
		typ = resultTypeSuccess
	}
	value := r.value
	if value == nil {
		value = json.RawMessage("null")
	}
	return json.Marshal(resultJSON{ResultType: typ, Value: value})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.ResultType {
	case resultTypeSuccess:
		r.success = true
	case resultTypeFailure:
		r.success = false
	default:
		return fmt.Errorf("unknown result_type %q", raw.ResultType)
	}
	if len(raw.Value) == 0 {
		raw.Value = json.RawMessage("null")
	}
	r.value = compactJSON(raw.Value)
	return nil
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// TaskResults maps a task name to the ordered list of results it produced,
// one entry per execution so bounded loops are observable.
type TaskResults map[string][]Result

// AllSuccessful reports whether every produced result is the Success variant.
func (t TaskResults) AllSuccessful() bool {
	for _, results := range t {
		for _, r := range results {
			if !r.IsSuccess() {
				return false
			}
		}
	}
	return true
}

// Clone deep-copies the map so tasks can inspect previous results
// without observing or causing mutation in other branches.
func (t TaskResults) Clone() TaskResults {
	out := make(TaskResults, len(t))
	for name, results := range t {
		copied := make([]Result, len(results))
		for i, r := range results {
			copied[i] = Result{
				success: r.success,
				value:   append(json.RawMessage(nil), r.value...),
			}
		}
		out[name] = copied
	}
	return out
}
