package intents

import (
	"encoding/json"
	"testing"
)

const bodyTestPrefix = "intents:body_test"

func decodeBody(t *testing.T, raw json.RawMessage) map[string]json.RawMessage {
	t.Helper()
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("%s - normalized body decode: %v", bodyTestPrefix, err)
	}
	return fields
}

func TestValidateRequestBody_DefaultsOnEmpty(t *testing.T) {
	normalized, err := ValidateRequestBody(nil)
	if err != nil {
		t.Fatalf("%s - empty body rejected: %v", bodyTestPrefix, err)
	}

	fields := decodeBody(t, normalized)
	var ret ReturnSpec
	if err := json.Unmarshal(fields["return"], &ret); err != nil {
		t.Fatalf("%s - return decode: %v", bodyTestPrefix, err)
	}
	if ret.Expect != "result" || !ret.Progress {
		t.Errorf("%s - defaults not applied: %+v", bodyTestPrefix, ret)
	}
}

func TestValidateRequestBody_PreservesReturnSettings(t *testing.T) {
	normalized, err := ValidateRequestBody(json.RawMessage(`{"return":{"expect":"none","deadline_ms":40}}`))
	if err != nil {
		t.Fatalf("%s - valid body rejected: %v", bodyTestPrefix, err)
	}

	fields := decodeBody(t, normalized)
	var ret ReturnSpec
	if err := json.Unmarshal(fields["return"], &ret); err != nil {
		t.Fatalf("%s - return decode: %v", bodyTestPrefix, err)
	}
	if ret.Expect != "none" {
		t.Errorf("%s - caller's expect overwritten: %+v", bodyTestPrefix, ret)
	}
	if !ret.Progress {
		t.Errorf("%s - progress default missing: %+v", bodyTestPrefix, ret)
	}
	if ret.DeadlineMS != 40 {
		t.Errorf("%s - deadline_ms dropped: %+v", bodyTestPrefix, ret)
	}
	if got := bodyDeadlineMS(normalized); got != 40 {
		t.Errorf("%s - bodyDeadlineMS = %d, want 40", bodyTestPrefix, got)
	}
}

func TestValidateRequestBody_KeepsUnrelatedFields(t *testing.T) {
	normalized, err := ValidateRequestBody(json.RawMessage(`{"params":{"min":"2026-01-01"},"ttl_ms":5000,"idempotency_key":"k-1"}`))
	if err != nil {
		t.Fatalf("%s - valid body rejected: %v", bodyTestPrefix, err)
	}
	fields := decodeBody(t, normalized)
	for _, key := range []string{"params", "ttl_ms", "idempotency_key", "return"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("%s - %s missing from normalized body", bodyTestPrefix, key)
		}
	}
}

func TestValidateRequestBody_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"array body", `[1,2]`},
		{"string body", `"hello"`},
		{"params not object", `{"params":[1]}`},
		{"constraints not object", `{"constraints":"x"}`},
		{"display not object", `{"display":3}`},
		{"return not object", `{"return":true}`},
		{"origin not object", `{"origin":[]}`},
		{"ttl_ms not number", `{"ttl_ms":"soon"}`},
		{"idempotency_key not string", `{"idempotency_key":12}`},
		{"truncated json", `{"params":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateRequestBody(json.RawMessage(tt.body)); err == nil {
				t.Errorf("%s - %s accepted", bodyTestPrefix, tt.name)
			}
		})
	}
}

func TestBodyDeadlineMS_ZeroWhenAbsent(t *testing.T) {
	if got := bodyDeadlineMS(json.RawMessage(`{"return":{"expect":"result"}}`)); got != 0 {
		t.Errorf("%s - deadline invented: %d", bodyTestPrefix, got)
	}
	if got := bodyDeadlineMS(json.RawMessage(`not json`)); got != 0 {
		t.Errorf("%s - garbage body yielded deadline %d", bodyTestPrefix, got)
	}
}
