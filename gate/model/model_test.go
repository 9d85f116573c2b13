package model

import (
	"encoding/json"
	"testing"
)

func TestParseIdentitySlashForm(t *testing.T) {
	id := ParseIdentity("anthropic/claude-sonnet-4")
	if id.Provider != ProviderAnthropic {
		t.Errorf("provider = %q, want anthropic", id.Provider)
	}
	if id.Model != "claude-sonnet-4" {
		t.Errorf("model = %q, want claude-sonnet-4", id.Model)
	}
	if id.Label != "anthropic/claude-sonnet-4" {
		t.Errorf("label = %q, want the original string", id.Label)
	}
}

func TestParseIdentityInference(t *testing.T) {
	tests := []struct {
		label string
		want  Provider
	}{
		{"gpt-4o", ProviderOpenAI},
		{"gpt-4o-mini", ProviderOpenAI},
		{"o1-preview", ProviderOpenAI},
		{"o3", ProviderOpenAI},
		{"chatgpt-4o-latest", ProviderOpenAI},
		{"claude-sonnet-4", ProviderAnthropic},
		{"gemini-1.5-pro", ProviderGoogle},
		{"models/gemini-pro", ProviderGoogle},
		{"llama-70b", ProviderUnknown},
		{"", ProviderUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			id := ParseIdentity(tt.label)
			if id.Provider != tt.want {
				t.Errorf("ParseIdentity(%q).Provider = %q, want %q", tt.label, id.Provider, tt.want)
			}
			if id.Model != tt.label {
				t.Errorf("ParseIdentity(%q).Model = %q, want the label", tt.label, id.Model)
			}
		})
	}
}

func TestParseIdentityUnknownSlashPrefix(t *testing.T) {
	// A slash form with an unrecognized provider falls back to inference on
	// the whole label.
	id := ParseIdentity("mistral/mistral-large")
	if id.Provider != ProviderUnknown {
		t.Errorf("provider = %q, want unknown", id.Provider)
	}
}

func TestArgumentsMapObjectForm(t *testing.T) {
	fc := FunctionCall{Name: "search", Arguments: json.RawMessage(`{"q":"go","limit":3}`)}
	m, err := fc.ArgumentsMap()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if m["q"] != "go" {
		t.Errorf("q = %v, want go", m["q"])
	}
	if m["limit"] != float64(3) {
		t.Errorf("limit = %v, want 3", m["limit"])
	}
}

func TestArgumentsMapStringWrapped(t *testing.T) {
	fc := FunctionCall{Name: "search", Arguments: json.RawMessage(`"{\"q\":\"go\"}"`)}
	m, err := fc.ArgumentsMap()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if m["q"] != "go" {
		t.Errorf("q = %v, want go", m["q"])
	}
}

func TestArgumentsMapEmpty(t *testing.T) {
	fc := FunctionCall{Name: "noop"}
	m, err := fc.ArgumentsMap()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil map, got %v", m)
	}
}

func TestArgumentsMapMalformed(t *testing.T) {
	fc := FunctionCall{Name: "bad", Arguments: json.RawMessage(`[1,2]`)}
	if _, err := fc.ArgumentsMap(); err == nil {
		t.Error("expected an error for non-object arguments")
	}
}
