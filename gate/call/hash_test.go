package call

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/dshills/replaygate/gate/model"
)

func strPtr(s string) *string { return &s }

func TestHashDeterministic(t *testing.T) {
	docs := []model.Document{
		model.Text{Content: "summarize this"},
		model.RoleText{Role: model.RoleUser, Content: "the document body"},
	}

	h1, err := Hash(strPtr("be terse"), docs)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	h2, err := Hash(strPtr("be terse"), docs)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("equal inputs produced different hashes: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
	if h1 != strings.ToLower(h1) {
		t.Errorf("expected lowercase hex, got %s", h1)
	}
}

func TestHashOrderSensitive(t *testing.T) {
	a := model.Text{Content: "first"}
	b := model.Text{Content: "second"}

	h1, err := Hash(nil, []model.Document{a, b})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	h2, err := Hash(nil, []model.Document{b, a})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h1 == h2 {
		t.Error("reordered documents must change the hash")
	}
}

func TestHashContentSensitive(t *testing.T) {
	base, err := Hash(strPtr("sys"), []model.Document{model.Text{Content: "x"}})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	tests := []struct {
		name         string
		instructions *string
		docs         []model.Document
	}{
		{"changed content", strPtr("sys"), []model.Document{model.Text{Content: "y"}}},
		{"changed instructions", strPtr("sys2"), []model.Document{model.Text{Content: "x"}}},
		{"dropped instructions", nil, []model.Document{model.Text{Content: "x"}}},
		{"role tag added", strPtr("sys"), []model.Document{model.RoleText{Role: model.RoleUser, Content: "x"}}},
		{"extra document", strPtr("sys"), []model.Document{model.Text{Content: "x"}, model.Text{Content: ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Hash(tt.instructions, tt.docs)
			if err != nil {
				t.Fatalf("hash failed: %v", err)
			}
			if h == base {
				t.Error("variation did not change the hash")
			}
		})
	}
}

func TestHashRoleDistinguishes(t *testing.T) {
	user, err := Hash(nil, []model.Document{model.RoleText{Role: model.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	asst, err := Hash(nil, []model.Document{model.RoleText{Role: model.RoleAssistant, Content: "hi"}})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if user == asst {
		t.Error("role must participate in the hash")
	}
}

func TestHashImageBytes(t *testing.T) {
	h1, err := Hash(nil, []model.Document{model.Image{Data: []byte{1, 2, 3}, MediaType: "image/png"}})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	h2, err := Hash(nil, []model.Document{model.Image{Data: []byte{1, 2, 4}, MediaType: "image/png"}})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h1 == h2 {
		t.Error("image bytes must participate in the hash")
	}
}

func TestHashFunctionDocuments(t *testing.T) {
	req := model.FunctionCallRequest{
		Text: "looking that up",
		Calls: []model.FunctionCall{
			{Name: "search", Arguments: json.RawMessage(`{"q":"go"}`), CallID: "c1"},
		},
	}
	out := model.FunctionCallOutput{CallID: "c1", Content: "result"}

	h1, err := Hash(nil, []model.Document{req, out})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	req2 := req
	req2.Calls = []model.FunctionCall{
		{Name: "search", Arguments: json.RawMessage(`{"q":"rust"}`), CallID: "c1"},
	}
	h2, err := Hash(nil, []model.Document{req2, out})
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h1 == h2 {
		t.Error("function call arguments must participate in the hash")
	}
}
