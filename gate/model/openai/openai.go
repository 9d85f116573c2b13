// Package openai adapts OpenAI's Chat Completions and Batch APIs to the
// gateway's adapter contract. It supports all three execution strategies:
// synchronous calls, asynchronous calls, and deferred batch jobs through
// the Files and Batches APIs.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/replaygate/gate/model"
)

// DefaultModel is queried when the caller names no model.
const DefaultModel = "gpt-4o-mini"

// Adapter talks to the OpenAI API. Safe for concurrent use; the underlying
// SDK client handles request-level concurrency.
type Adapter struct {
	client       openai.Client
	defaultModel string
}

// New creates an OpenAI adapter.
//
// Parameters:
//   - apiKey: OpenAI API key. Must not be empty; the SDK does not fall back
//     to the environment here so a misconfigured gateway fails at Open time
//     rather than on the first call.
//   - opts: extra SDK request options (base URL, HTTP client, retries).
func New(apiKey string, opts ...option.RequestOption) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key cannot be empty")
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Adapter{
		client:       openai.NewClient(opts...),
		defaultModel: DefaultModel,
	}, nil
}

// WithDefaultModel overrides the model used when a call names none.
func (a *Adapter) WithDefaultModel(name string) *Adapter {
	a.defaultModel = name
	return a
}

// ProviderType implements model.Adapter.
func (a *Adapter) ProviderType() model.Provider {
	return model.ProviderOpenAI
}

// DefaultIdentity implements model.Adapter.
func (a *Adapter) DefaultIdentity() model.Identity {
	return model.Identity{
		Label:    a.defaultModel,
		Provider: model.ProviderOpenAI,
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

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	return completion, nil
}

// CallAsync implements model.AsyncCaller. The future completes on a helper
// goroutine; cancelling ctx cancels the in-flight request.
func (a *Adapter) CallAsync(ctx context.Context, p model.QueryParams) (<-chan model.AsyncResult, error) {
	params, err := a.buildParams(p)
	if err != nil {
		return nil, err
	}

	ch := make(chan model.AsyncResult, 1)
	go func() {
		completion, err := a.client.Chat.Completions.New(ctx, params)
		if err != nil {
			ch <- model.AsyncResult{Err: mapError(err)}
			return
		}
		ch <- model.AsyncResult{Raw: completion}
	}()
	return ch, nil
}

// ParseResponse implements model.Adapter.
func (a *Adapter) ParseResponse(raw model.RawResponse) (model.ParsedResponse, error) {
	completion, ok := raw.(*openai.ChatCompletion)
	if !ok {
		return model.ParsedResponse{}, fmt.Errorf("openai: unexpected raw response type %T", raw)
	}
	return parseCompletion(completion)
}

// parseCompletion converts a chat completion into the neutral record.
func parseCompletion(completion *openai.ChatCompletion) (model.ParsedResponse, error) {
	if len(completion.Choices) == 0 {
		return model.ParsedResponse{}, errors.New("openai: response carried no choices")
	}
	choice := completion.Choices[0]

	parsed := model.ParsedResponse{
		Text:       choice.Message.Content,
		ResponseID: completion.ID,
		Metadata: map[string]interface{}{
			"model":             completion.Model,
			"finish_reason":     string(choice.FinishReason),
			"prompt_tokens":     completion.Usage.PromptTokens,
			"completion_tokens": completion.Usage.CompletionTokens,
			"total_tokens":      completion.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		parsed.FunctionCalls = append(parsed.FunctionCalls, model.FunctionCall{
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
			CallID:    tc.ID,
		})
	}
	return parsed, nil
}

// buildParams renders QueryParams into the SDK request shape.
func (a *Adapter) buildParams(p model.QueryParams) (openai.ChatCompletionNewParams, error) {
	modelName := p.LLM.Model
	if modelName == "" {
		modelName = a.defaultModel
	}

	msgs, err := buildMessages(p.Instructions, p.Documents)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelName),
		Messages: msgs,
	}

	if p.TextFormat == "json_object" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	for _, t := range p.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Schema),
			},
		})
	}

	return params, nil
}

// mapError classifies an SDK error into the shared APIError taxonomy.
// Context errors pass through untouched so cancellation stays detectable
// upstream.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return &model.APIError{Provider: model.ProviderOpenAI, Code: "invalid_api_key", Message: err.Error()}
		case 429:
			return &model.APIError{Provider: model.ProviderOpenAI, Code: "rate_limited", Message: err.Error(), Retryable: true}
		case 500, 502, 503, 504:
			return &model.APIError{Provider: model.ProviderOpenAI, Code: "server_error", Message: err.Error(), Retryable: true}
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return &model.APIError{Provider: model.ProviderOpenAI, Code: "quota_exceeded", Message: err.Error()}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "connection"):
		return &model.APIError{Provider: model.ProviderOpenAI, Code: "network_error", Message: err.Error(), Retryable: true}
	default:
		return &model.APIError{Provider: model.ProviderOpenAI, Code: "api_error", Message: err.Error()}
	}
}

var (
	_ model.SyncCaller  = (*Adapter)(nil)
	_ model.AsyncCaller = (*Adapter)(nil)
	_ model.BatchCaller = (*Adapter)(nil)
)
