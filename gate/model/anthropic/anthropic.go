// Package anthropic adapts Anthropic's Messages API to the gateway's
// adapter contract. It supports the synchronous and asynchronous execution
// strategies; the batch strategy requires an adapter with batch support and
// rejects this one at submit time.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/replaygate/gate/model"
)

// DefaultModel is queried when the caller names no model.
const DefaultModel = "claude-sonnet-4-0"

// DefaultMaxTokens caps response length when the provider requires an
// explicit limit.
const DefaultMaxTokens = 4096

// Adapter talks to the Anthropic API. Safe for concurrent use.
type Adapter struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int64
}

// New creates an Anthropic adapter.
func New(apiKey string, opts ...option.RequestOption) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key cannot be empty")
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Adapter{
		client:       anthropic.NewClient(opts...),
		defaultModel: DefaultModel,
		maxTokens:    DefaultMaxTokens,
	}, nil
}

// WithDefaultModel overrides the model used when a call names none.
func (a *Adapter) WithDefaultModel(name string) *Adapter {
	a.defaultModel = name
	return a
}

// WithMaxTokens overrides the response token cap sent with every request.
func (a *Adapter) WithMaxTokens(n int64) *Adapter {
	a.maxTokens = n
	return a
}

// ProviderType implements model.Adapter.
func (a *Adapter) ProviderType() model.Provider {
	return model.ProviderAnthropic
}

// DefaultIdentity implements model.Adapter.
func (a *Adapter) DefaultIdentity() model.Identity {
	return model.Identity{
		Label:    a.defaultModel,
		Provider: model.ProviderAnthropic,
		Model:    a.defaultModel,
	}
}

// CallSync implements model.SyncCaller.
func (a *Adapter) CallSync(ctx context.Context, p model.QueryParams) (model.RawResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params, err := a.buildParams(p)
	if err != nil {
		return nil, err
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	return message, nil
}

// CallAsync implements model.AsyncCaller.
func (a *Adapter) CallAsync(ctx context.Context, p model.QueryParams) (<-chan model.AsyncResult, error) {
	params, err := a.buildParams(p)
	if err != nil {
		return nil, err
	}

	ch := make(chan model.AsyncResult, 1)
	go func() {
		message, err := a.client.Messages.New(ctx, params)
		if err != nil {
			ch <- model.AsyncResult{Err: mapError(err)}
			return
		}
		ch <- model.AsyncResult{Raw: message}
	}()
	return ch, nil
}

// ParseResponse implements model.Adapter.
func (a *Adapter) ParseResponse(raw model.RawResponse) (model.ParsedResponse, error) {
	message, ok := raw.(*anthropic.Message)
	if !ok {
		return model.ParsedResponse{}, fmt.Errorf("anthropic: unexpected raw response type %T", raw)
	}
	return parseMessage(message)
}

// parseMessage converts a Messages API response into the neutral record.
// Text blocks concatenate; tool_use blocks become function calls with their
// input preserved verbatim.
func parseMessage(message *anthropic.Message) (model.ParsedResponse, error) {
	parsed := model.ParsedResponse{
		ResponseID: message.ID,
		Metadata: map[string]interface{}{
			"model":         string(message.Model),
			"stop_reason":   string(message.StopReason),
			"input_tokens":  message.Usage.InputTokens,
			"output_tokens": message.Usage.OutputTokens,
		},
	}

	var text strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			parsed.FunctionCalls = append(parsed.FunctionCalls, model.FunctionCall{
				Name:      block.Name,
				Arguments: block.Input,
				CallID:    block.ID,
			})
		}
	}
	parsed.Text = text.String()
	return parsed, nil
}

// buildParams renders QueryParams into the SDK request shape. Consecutive
// blocks keep document order; instructions travel as the system prompt.
func (a *Adapter) buildParams(p model.QueryParams) (anthropic.MessageNewParams, error) {
	modelName := p.LLM.Model
	if modelName == "" {
		modelName = a.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelName),
		MaxTokens: a.maxTokens,
	}
	if p.Instructions != nil {
		params.System = []anthropic.TextBlockParam{{Text: *p.Instructions}}
	}

	msgs, err := buildMessages(p.Documents)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params.Messages = msgs

	for _, t := range p.Tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
		}
		if t.Schema != nil {
			tool.InputSchema = anthropic.ToolInputSchemaParam{
				Properties: t.Schema["properties"],
			}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	return params, nil
}

// buildMessages renders documents into alternating user and assistant
// messages.
func buildMessages(docs []model.Document) ([]anthropic.MessageParam, error) {
	var msgs []anthropic.MessageParam

	for i, doc := range docs {
		switch d := doc.(type) {
		case model.Text:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(d.Content)))

		case model.RoleText:
			switch d.Role {
			case model.RoleUser:
				msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(d.Content)))
			case model.RoleAssistant:
				msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(d.Content)))
			case model.RoleSystem, model.RoleDeveloper:
				// The Messages API has no in-list system role; fold the
				// content into a user turn so it still reaches the model.
				msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(d.Content)))
			default:
				return nil, fmt.Errorf("document %d: unsupported role %q", i, d.Role)
			}

		case model.Image:
			msgs = append(msgs, anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(d.MediaType, base64.StdEncoding.EncodeToString(d.Data)),
			))

		case model.FunctionCallRequest:
			msgs = append(msgs, assistantToolUse(d))

		case model.FunctionCallOutput:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: d.CallID,
					Content: []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: d.Content}},
					},
				},
			}))

		default:
			return nil, fmt.Errorf("document %d: %w: %T", i, model.ErrInvalidDocument, doc)
		}
	}

	return msgs, nil
}

// assistantToolUse renders a prior assistant turn that requested tool
// calls.
func assistantToolUse(d model.FunctionCallRequest) anthropic.MessageParam {
	var blocks []anthropic.ContentBlockParamUnion
	if d.Text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(d.Text))
	}
	for _, c := range d.Calls {
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfToolUse: &anthropic.ToolUseBlockParam{
				ID:    c.CallID,
				Name:  c.Name,
				Input: c.Arguments,
			},
		})
	}
	return anthropic.NewAssistantMessage(blocks...)
}

// mapError classifies an SDK error into the shared APIError taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return &model.APIError{Provider: model.ProviderAnthropic, Code: "invalid_api_key", Message: err.Error()}
		case 429:
			return &model.APIError{Provider: model.ProviderAnthropic, Code: "rate_limited", Message: err.Error(), Retryable: true}
		case 529:
			return &model.APIError{Provider: model.ProviderAnthropic, Code: "overloaded", Message: err.Error(), Retryable: true}
		case 500, 502, 503, 504:
			return &model.APIError{Provider: model.ProviderAnthropic, Code: "server_error", Message: err.Error(), Retryable: true}
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "credit") || strings.Contains(lower, "billing"):
		return &model.APIError{Provider: model.ProviderAnthropic, Code: "quota_exceeded", Message: err.Error()}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "connection"):
		return &model.APIError{Provider: model.ProviderAnthropic, Code: "network_error", Message: err.Error(), Retryable: true}
	default:
		return &model.APIError{Provider: model.ProviderAnthropic, Code: "api_error", Message: err.Error()}
	}
}

var (
	_ model.SyncCaller  = (*Adapter)(nil)
	_ model.AsyncCaller = (*Adapter)(nil)
)
