// Package model provides the provider-neutral data model and the adapter
// contract consumed by the gateway core.
//
// The model package defines:
//   - Document: the sum type over everything that can be sent to a provider
//   - Identity: an LLM label with its inferred provider family
//   - ParsedResponse: the provider-neutral response record
//   - QueryParams: the common parameter struct handed to adapters
//   - The Sync/Async/Batch adapter interfaces
//
// Concrete providers (OpenAI, Anthropic, Google) live in subpackages and
// translate between this model and their wire formats.
package model

import (
	"encoding/gob"
	"errors"
)

// ErrInvalidDocument is returned when an operation encounters a document
// variant it does not recognize. Hashing in particular must fail loudly on
// unknown variants rather than silently producing an unstable fingerprint.
var ErrInvalidDocument = errors.New("invalid document variant")

// Standard role constants for role-tagged documents.
// These align with the conventions used by major LLM providers.
const (
	// RoleSystem indicates a system message that sets context or instructions.
	RoleSystem = "system"

	// RoleDeveloper indicates a developer message (OpenAI's replacement for
	// system messages on newer model families).
	RoleDeveloper = "developer"

	// RoleUser indicates a message from the human user.
	RoleUser = "user"

	// RoleAssistant indicates a response generated by the LLM.
	RoleAssistant = "assistant"
)

// Document is the sum type over everything that can appear in a request's
// input list. Ordering of documents is significant: it participates in the
// content hash that identifies a request across runs.
//
// The concrete variants are:
//   - Text: plain untagged text
//   - RoleText: role-tagged text (user | assistant | system | developer)
//   - Image: a binary blob plus its media type
//   - FunctionCallRequest: assistant text plus ordered function invocations
//   - FunctionCallOutput: the result of one function invocation
//
// Implementations outside this package are not supported; the hasher and
// the adapters both fail with ErrInvalidDocument on unknown variants.
type Document interface {
	document()
}

// Text is a plain text document with no role tag. Providers treat it as
// user content.
type Text struct {
	Content string
}

// RoleText is a role-tagged text document.
type RoleText struct {
	// Role is one of the Role* constants.
	Role string

	Content string
}

// Image is a binary image document. Images are hashed by their encoded
// bytes, so visual content participates in request identity.
type Image struct {
	// Data holds the encoded image bytes (PNG, JPEG, ...). The caller is
	// responsible for supplying the encoded form; the gateway never
	// re-encodes.
	Data []byte

	// MediaType is the IANA media type of Data, e.g. "image/png".
	MediaType string
}

// FunctionCallRequest represents an assistant turn that requested one or
// more function invocations, optionally preceded by text.
type FunctionCallRequest struct {
	// Text is any assistant text that preceded the calls. May be empty.
	Text string

	// Calls are the requested invocations, in provider order.
	Calls []FunctionCall
}

// FunctionCallOutput carries the result of executing one function call back
// to the provider.
type FunctionCallOutput struct {
	// CallID ties the output to the FunctionCall that requested it.
	CallID string

	// Content is the stringified result of the invocation.
	Content string
}

func (Text) document()                {}
func (RoleText) document()            {}
func (Image) document()               {}
func (FunctionCallRequest) document() {}
func (FunctionCallOutput) document()  {}

// UserText is shorthand for a user-role document.
func UserText(content string) RoleText {
	return RoleText{Role: RoleUser, Content: content}
}

// AssistantText is shorthand for an assistant-role document.
func AssistantText(content string) RoleText {
	return RoleText{Role: RoleAssistant, Content: content}
}

func init() {
	// Document variants cross gob boundaries inside serialized message
	// state, so every variant must be registered.
	gob.Register(Text{})
	gob.Register(RoleText{})
	gob.Register(Image{})
	gob.Register(FunctionCallRequest{})
	gob.Register(FunctionCallOutput{})
}
