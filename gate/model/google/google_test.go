package google

import (
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/dshills/replaygate/gate/model"
)

func TestBuildContentsRolesAndMerging(t *testing.T) {
	contents, err := buildContents([]model.Document{
		model.Text{Content: "one"},
		model.UserText("two"),
		model.AssistantText("reply"),
		model.Text{Content: "three"},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	// Consecutive user parts merge; the assistant turn splits them.
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[0].Role != "user" || len(contents[0].Parts) != 2 {
		t.Errorf("unexpected first content: %+v", contents[0])
	}
	if contents[1].Role != "model" {
		t.Errorf("assistant text must map to the model role, got %q", contents[1].Role)
	}
	if contents[2].Role != "user" {
		t.Errorf("unexpected trailing role %q", contents[2].Role)
	}
}

func TestBuildContentsFunctionRoundTrip(t *testing.T) {
	contents, err := buildContents([]model.Document{
		model.UserText("weather in oslo?"),
		model.FunctionCallRequest{
			Text:  "checking",
			Calls: []model.FunctionCall{{Name: "weather", Arguments: []byte(`{"city":"Oslo"}`), CallID: "weather"}},
		},
		model.FunctionCallOutput{CallID: "weather", Content: "7C, rain"},
		model.UserText("and tomorrow?"),
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}

	fc, ok := contents[1].Parts[1].(genai.FunctionCall)
	if !ok || fc.Name != "weather" || fc.Args["city"] != "Oslo" {
		t.Errorf("unexpected function call part: %#v", contents[1].Parts)
	}

	fr, ok := contents[2].Parts[0].(genai.FunctionResponse)
	if !ok || fr.Name != "weather" {
		t.Errorf("unexpected function response part: %#v", contents[2].Parts[0])
	}
}

func TestParseResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{
				Role: "model",
				Parts: []genai.Part{
					genai.Text("partly "),
					genai.Text("cloudy"),
					genai.FunctionCall{Name: "alerts", Args: map[string]interface{}{"region": "east"}},
				},
			},
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 9, CandidatesTokenCount: 4, TotalTokenCount: 13},
	}

	parsed, err := parseResponse(resp)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Text != "partly cloudy" {
		t.Errorf("text = %q", parsed.Text)
	}
	if len(parsed.FunctionCalls) != 1 {
		t.Fatalf("expected 1 function call, got %d", len(parsed.FunctionCalls))
	}
	fc := parsed.FunctionCalls[0]
	if fc.Name != "alerts" || fc.CallID != "alerts" {
		t.Errorf("unexpected call: %+v", fc)
	}
	args, err := fc.ArgumentsMap()
	if err != nil || args["region"] != "east" {
		t.Errorf("arguments did not survive: %v %v", args, err)
	}
}

func TestParseResponseEmpty(t *testing.T) {
	if _, err := parseResponse(&genai.GenerateContentResponse{}); err == nil {
		t.Fatal("expected an error for an empty response")
	}
}

func TestToSchema(t *testing.T) {
	schema := toSchema(map[string]interface{}{
		"type":        "object",
		"description": "lookup input",
		"properties": map[string]interface{}{
			"city":  map[string]interface{}{"type": "string"},
			"count": map[string]interface{}{"type": "integer"},
			"tags": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		"required": []interface{}{"city"},
	})

	if schema.Type != genai.TypeObject {
		t.Errorf("type = %v", schema.Type)
	}
	if schema.Properties["city"].Type != genai.TypeString {
		t.Errorf("city type = %v", schema.Properties["city"].Type)
	}
	if schema.Properties["tags"].Items.Type != genai.TypeString {
		t.Errorf("items type = %v", schema.Properties["tags"].Items.Type)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "city" {
		t.Errorf("required = %v", schema.Required)
	}
	if toSchema(nil) != nil {
		t.Error("nil schema must stay nil")
	}
}

func TestMapError(t *testing.T) {
	err := mapError(errFake("googleapi: Error 429: Resource has been exhausted"))
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != "rate_limited" || !apiErr.Retryable {
		t.Errorf("unexpected mapping: %v", err)
	}
}

type errFake string

func (e errFake) Error() string { return string(e) }
