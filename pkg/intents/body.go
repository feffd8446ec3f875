package intents

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ReturnSpec is the caller's expectation for how an intent concludes.
type ReturnSpec struct {
	Expect     string `json:"expect"`
	Progress   bool   `json:"progress"`
	DeadlineMS int64  `json:"deadline_ms,omitempty"`
}

// Decline is the body of a decline control message.
type Decline struct {
	Reason       string `json:"reason"`
	Detail       string `json:"detail,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// Progress is the body of a progress control message.
type Progress struct {
	Stage   string   `json:"stage,omitempty"`
	Percent *float64 `json:"percent,omitempty"`
	Message string   `json:"message,omitempty"`
}

// ResponseBody is the body of an action-specific response message.
type ResponseBody struct {
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Receipt json.RawMessage `json:"receipt,omitempty"`
}

// objectFields of a request body that must be JSON objects when present.
var objectFields = []string{"params", "constraints", "display", "return", "origin"}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// ValidateRequestBody checks a request body's shape and applies the return
// defaults (expect="result", progress=true), returning the normalized body.
// Violations are synchronous input-validation errors and never reach the
// wire.
func ValidateRequestBody(raw json.RawMessage) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(raw)) > 0 {
		if !isJSONObject(raw) {
			return nil, fmt.Errorf("request body must be an object")
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("request body decode: %w", err)
		}
	}

	for _, key := range objectFields {
		if val, ok := fields[key]; ok && !isJSONObject(val) {
			return nil, fmt.Errorf("%s must be an object", key)
		}
	}
	if val, ok := fields["ttl_ms"]; ok {
		var n float64
		if err := json.Unmarshal(val, &n); err != nil {
			return nil, fmt.Errorf("ttl_ms must be a number")
		}
	}
	if val, ok := fields["idempotency_key"]; ok {
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			return nil, fmt.Errorf("idempotency_key must be a string")
		}
	}

	ret := map[string]json.RawMessage{}
	if val, ok := fields["return"]; ok {
		if err := json.Unmarshal(val, &ret); err != nil {
			return nil, fmt.Errorf("return decode: %w", err)
		}
	}
	if _, ok := ret["expect"]; !ok {
		ret["expect"] = json.RawMessage(`"result"`)
	}
	if _, ok := ret["progress"]; !ok {
		ret["progress"] = json.RawMessage(`true`)
	}
	normalizedRet, err := json.Marshal(ret)
	if err != nil {
		return nil, fmt.Errorf("return encode: %w", err)
	}
	fields["return"] = normalizedRet

	normalized, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("request body encode: %w", err)
	}
	return normalized, nil
}

// bodyDeadlineMS extracts return.deadline_ms from a normalized body, or 0.
func bodyDeadlineMS(raw json.RawMessage) int64 {
	var body struct {
		Return ReturnSpec `json:"return"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0
	}
	return body.Return.DeadlineMS
}
