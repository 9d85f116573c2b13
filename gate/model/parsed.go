package model

import (
	"encoding/json"
	"fmt"
)

// FunctionCall is one function invocation requested by the model.
type FunctionCall struct {
	// Name identifies which function to call.
	Name string `json:"name"`

	// Arguments holds the call arguments as raw JSON. Providers emit either
	// a JSON object or a JSON-encoded string; both are preserved verbatim
	// so the content hash stays stable.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// CallID is the provider-assigned identifier tying this call to its
	// eventual FunctionCallOutput.
	CallID string `json:"call_id,omitempty"`
}

// ArgumentsMap decodes Arguments into a map. Handles both the object form
// and the string-wrapped object form some providers emit.
func (fc FunctionCall) ArgumentsMap() (map[string]interface{}, error) {
	if len(fc.Arguments) == 0 {
		return nil, nil
	}

	var m map[string]interface{}
	if err := json.Unmarshal(fc.Arguments, &m); err == nil {
		return m, nil
	}

	// String-wrapped: `"{\"a\": 1}"`.
	var s string
	if err := json.Unmarshal(fc.Arguments, &s); err != nil {
		return nil, fmt.Errorf("function call arguments are neither object nor string: %w", err)
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode string-wrapped arguments: %w", err)
	}
	return m, nil
}

// ParsedResponse is the provider-neutral response record. Adapters produce
// it from their raw wire responses; the datastore persists it; handles
// resolve to it.
type ParsedResponse struct {
	// Text is the generated text. May be empty when the model only
	// requested function calls.
	Text string `json:"text"`

	// ResponseID is the provider-assigned response identifier, when the
	// provider supplies one. Optional and not required to be unique.
	ResponseID string `json:"response_id,omitempty"`

	// CustomID is set on responses recovered from a batch download; it is
	// the custom-id line key that joined the result back to its request.
	CustomID string `json:"custom_id,omitempty"`

	// Metadata carries secondary provider data (token counts, finish
	// reason, model revision). Content is provider-specific; the core
	// never interprets it.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// FunctionCalls are the invocations the model requested, in order.
	FunctionCalls []FunctionCall `json:"function_calls,omitempty"`
}

// RawResponse is an opaque provider wire response. Only the adapter that
// produced it knows its concrete type; the core passes it straight back to
// ParseResponse.
type RawResponse interface{}
