package model

import "context"

// QueryParams is the common parameter struct the core hands to adapters.
// The core never interprets provider-specific fields beyond what comes back
// in ParsedResponse.
type QueryParams struct {
	// Instructions is the optional system prompt.
	Instructions *string

	// Documents is the ordered input list.
	Documents []Document

	// LLM identifies the model to query.
	LLM Identity

	// TextFormat optionally requests a structured output mode, e.g.
	// "json_object". Empty means provider default.
	TextFormat string

	// Tools are the function specifications the model may call.
	Tools []ToolSpec
}

// ToolSpec describes a function the LLM can call.
//
// The Schema field follows JSON Schema format and describes the expected
// input parameters.
type ToolSpec struct {
	// Name uniquely identifies the tool.
	Name string

	// Description explains what the tool does. The LLM uses this to decide
	// when to call the tool.
	Description string

	// Schema defines the tool's input parameters using JSON Schema format.
	// Optional for tools with no parameters.
	Schema map[string]interface{}
}

// AsyncResult is the completion of one async call future.
type AsyncResult struct {
	Raw RawResponse
	Err error
}

// BatchStatus is the terminal status of one batch line result.
type BatchStatus string

const (
	// BatchReady indicates the line completed and Parsed is populated.
	BatchReady BatchStatus = "ready"

	// BatchError indicates the line failed; ErrMessage/ErrCode describe why.
	BatchError BatchStatus = "error"
)

// BatchResult is one line result from a downloaded batch, keyed by the
// custom-id assigned at preparation time.
type BatchResult struct {
	// Status is ready or error.
	Status BatchStatus

	// CustomID joins the result back to the request that produced it.
	CustomID string

	// RawOutput is the provider's raw output line, archived verbatim.
	RawOutput []byte

	// Parsed is populated when Status is BatchReady.
	Parsed *ParsedResponse

	// ErrMessage and ErrCode are populated when Status is BatchError.
	// ErrCode carries the provider status code when one exists.
	ErrMessage string
	ErrCode    string
}

// Adapter is the common contract every provider implementation satisfies.
//
// Each provider additionally implements whichever of SyncCaller,
// AsyncCaller and BatchCaller it supports; the backend for a given strategy
// type-asserts for the sub-interface it needs and fails fast when the
// adapter lacks it.
type Adapter interface {
	// ParseResponse converts a raw wire response into the neutral record.
	ParseResponse(raw RawResponse) (ParsedResponse, error)

	// DefaultIdentity returns the model queried when the caller names none.
	DefaultIdentity() Identity

	// ProviderType names the provider family this adapter talks to.
	ProviderType() Provider
}

// SyncCaller executes one call on the caller's goroutine.
type SyncCaller interface {
	Adapter

	// CallSync issues the request and blocks until the provider answers.
	CallSync(ctx context.Context, p QueryParams) (RawResponse, error)
}

// AsyncCaller starts one call and returns a future for its completion.
type AsyncCaller interface {
	Adapter

	// CallAsync starts the request and returns a channel that receives
	// exactly one AsyncResult. Cancelling ctx cancels the in-flight call;
	// the channel then receives the context error.
	CallAsync(ctx context.Context, p QueryParams) (<-chan AsyncResult, error)
}

// BatchCaller supports the provider's deferred batch API.
type BatchCaller interface {
	Adapter

	// PrepareBatchLine renders one request into the provider's batch input
	// line format, keyed by customID. The line is buffered by the batch
	// backend until ExecuteBatch submits a cohort.
	PrepareBatchLine(p QueryParams, customID string) ([]byte, error)

	// SubmitBatch uploads the batch input file at path and starts a remote
	// batch job for the given model. Returns the provider's batch UUID.
	SubmitBatch(ctx context.Context, path string, modelName string) (string, error)

	// DownloadBatch polls one batch job. A job that has not finished yet
	// answers with an error and stays pending; a finished job answers with
	// one BatchResult per input line.
	DownloadBatch(ctx context.Context, uuid string) ([]BatchResult, error)
}
