// Package google adapts Google's Gemini API to the gateway's adapter
// contract through the generative-ai-go client. It supports the synchronous
// and asynchronous execution strategies.
//
// Gemini does not assign tool-call ids, so the adapter uses the function
// name as the call id: a FunctionCallOutput's CallID must carry the name of
// the function that produced it.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/replaygate/gate/model"
)

// DefaultModel is queried when the caller names no model.
const DefaultModel = "gemini-1.5-flash"

// Adapter talks to the Gemini API. Safe for concurrent use. Close releases
// the underlying client when the adapter is no longer needed.
type Adapter struct {
	client       *genai.Client
	defaultModel string
}

// New creates a Gemini adapter.
func New(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("google: API key cannot be empty")
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &Adapter{client: client, defaultModel: DefaultModel}, nil
}

// WithDefaultModel overrides the model used when a call names none.
func (a *Adapter) WithDefaultModel(name string) *Adapter {
	a.defaultModel = name
	return a
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// ProviderType implements model.Adapter.
func (a *Adapter) ProviderType() model.Provider {
	return model.ProviderGoogle
}

// DefaultIdentity implements model.Adapter.
func (a *Adapter) DefaultIdentity() model.Identity {
	return model.Identity{
		Label:    a.defaultModel,
		Provider: model.ProviderGoogle,
		Model:    a.defaultModel,
	}
}

// CallSync implements model.SyncCaller. The document list becomes a chat
// history with the trailing user content sent as the message.
func (a *Adapter) CallSync(ctx context.Context, p model.QueryParams) (model.RawResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, history, last, err := a.prepare(p)
	if err != nil {
		return nil, err
	}

	cs := m.StartChat()
	cs.History = history
	resp, err := cs.SendMessage(ctx, last...)
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

// CallAsync implements model.AsyncCaller.
func (a *Adapter) CallAsync(ctx context.Context, p model.QueryParams) (<-chan model.AsyncResult, error) {
	m, history, last, err := a.prepare(p)
	if err != nil {
		return nil, err
	}

	ch := make(chan model.AsyncResult, 1)
	go func() {
		cs := m.StartChat()
		cs.History = history
		resp, err := cs.SendMessage(ctx, last...)
		if err != nil {
			ch <- model.AsyncResult{Err: mapError(err)}
			return
		}
		ch <- model.AsyncResult{Raw: resp}
	}()
	return ch, nil
}

// ParseResponse implements model.Adapter.
func (a *Adapter) ParseResponse(raw model.RawResponse) (model.ParsedResponse, error) {
	resp, ok := raw.(*genai.GenerateContentResponse)
	if !ok {
		return model.ParsedResponse{}, fmt.Errorf("google: unexpected raw response type %T", raw)
	}
	return parseResponse(resp)
}

// parseResponse converts a Gemini response into the neutral record.
func parseResponse(resp *genai.GenerateContentResponse) (model.ParsedResponse, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return model.ParsedResponse{}, errors.New("google: response carried no candidates")
	}
	cand := resp.Candidates[0]

	parsed := model.ParsedResponse{
		Metadata: map[string]interface{}{
			"finish_reason": cand.FinishReason.String(),
		},
	}
	if resp.UsageMetadata != nil {
		parsed.Metadata["prompt_tokens"] = resp.UsageMetadata.PromptTokenCount
		parsed.Metadata["completion_tokens"] = resp.UsageMetadata.CandidatesTokenCount
		parsed.Metadata["total_tokens"] = resp.UsageMetadata.TotalTokenCount
	}

	var text strings.Builder
	for _, part := range cand.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			text.WriteString(string(v))
		case genai.FunctionCall:
			args, err := json.Marshal(v.Args)
			if err != nil {
				return model.ParsedResponse{}, fmt.Errorf("google: failed to encode call arguments: %w", err)
			}
			parsed.FunctionCalls = append(parsed.FunctionCalls, model.FunctionCall{
				Name:      v.Name,
				Arguments: args,
				CallID:    v.Name,
			})
		}
	}
	parsed.Text = text.String()
	return parsed, nil
}

// prepare configures the generative model and splits the documents into
// history plus the final user parts to send.
func (a *Adapter) prepare(p model.QueryParams) (*genai.GenerativeModel, []*genai.Content, []genai.Part, error) {
	modelName := strings.TrimPrefix(p.LLM.Model, "models/")
	if modelName == "" {
		modelName = a.defaultModel
	}

	m := a.client.GenerativeModel(modelName)
	if p.Instructions != nil {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(*p.Instructions)}}
	}
	if p.TextFormat == "json_object" {
		m.ResponseMIMEType = "application/json"
	}
	if len(p.Tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range p.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toSchema(t.Schema),
			})
		}
		m.Tools = []*genai.Tool{tool}
	}

	contents, err := buildContents(p.Documents)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(contents) == 0 {
		return nil, nil, nil, errors.New("google: request carried no documents")
	}

	last := contents[len(contents)-1]
	if last.Role != "user" {
		return nil, nil, nil, errors.New("google: conversation must end with user content")
	}
	return m, contents[:len(contents)-1], last.Parts, nil
}

// buildContents renders documents into role-tagged contents, merging
// consecutive parts that share a role.
func buildContents(docs []model.Document) ([]*genai.Content, error) {
	var contents []*genai.Content

	push := func(role string, parts ...genai.Part) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for i, doc := range docs {
		switch d := doc.(type) {
		case model.Text:
			push("user", genai.Text(d.Content))

		case model.RoleText:
			switch d.Role {
			case model.RoleAssistant:
				push("model", genai.Text(d.Content))
			case model.RoleUser, model.RoleSystem, model.RoleDeveloper:
				push("user", genai.Text(d.Content))
			default:
				return nil, fmt.Errorf("document %d: unsupported role %q", i, d.Role)
			}

		case model.Image:
			push("user", genai.Blob{MIMEType: d.MediaType, Data: d.Data})

		case model.FunctionCallRequest:
			parts := make([]genai.Part, 0, len(d.Calls)+1)
			if d.Text != "" {
				parts = append(parts, genai.Text(d.Text))
			}
			for _, c := range d.Calls {
				args, err := c.ArgumentsMap()
				if err != nil {
					return nil, fmt.Errorf("document %d: %w", i, err)
				}
				parts = append(parts, genai.FunctionCall{Name: c.Name, Args: args})
			}
			push("model", parts...)

		case model.FunctionCallOutput:
			// CallID holds the function name under this provider.
			push("user", genai.FunctionResponse{
				Name:     d.CallID,
				Response: map[string]interface{}{"result": d.Content},
			})

		default:
			return nil, fmt.Errorf("document %d: %w: %T", i, model.ErrInvalidDocument, doc)
		}
	}

	return contents, nil
}

// toSchema converts a JSON Schema map into the Gemini schema shape. Only
// the fields the function-calling API honors are carried.
func toSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}

	out := &genai.Schema{Type: toType(schema["type"])}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]interface{}); ok {
				out.Properties[name] = toSchema(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		out.Items = toSchema(items)
	}
	if req, ok := schema["required"].([]interface{}); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if enum, ok := schema["enum"].([]interface{}); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	return out
}

func toType(v interface{}) genai.Type {
	s, _ := v.(string)
	switch s {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

// mapError classifies an SDK error into the shared APIError taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate") || strings.Contains(lower, "resource exhausted"):
		return &model.APIError{Provider: model.ProviderGoogle, Code: "rate_limited", Message: err.Error(), Retryable: true}
	case strings.Contains(lower, "api key") || strings.Contains(lower, "401") || strings.Contains(lower, "403") || strings.Contains(lower, "permission"):
		return &model.APIError{Provider: model.ProviderGoogle, Code: "invalid_api_key", Message: err.Error()}
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return &model.APIError{Provider: model.ProviderGoogle, Code: "quota_exceeded", Message: err.Error()}
	case strings.Contains(lower, "500") || strings.Contains(lower, "503") || strings.Contains(lower, "internal") || strings.Contains(lower, "unavailable"):
		return &model.APIError{Provider: model.ProviderGoogle, Code: "server_error", Message: err.Error(), Retryable: true}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "connection"):
		return &model.APIError{Provider: model.ProviderGoogle, Code: "network_error", Message: err.Error(), Retryable: true}
	default:
		return &model.APIError{Provider: model.ProviderGoogle, Code: "api_error", Message: err.Error()}
	}
}

var (
	_ model.SyncCaller  = (*Adapter)(nil)
	_ model.AsyncCaller = (*Adapter)(nil)
)
