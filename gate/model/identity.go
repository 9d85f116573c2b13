package model

import "strings"

// Provider identifies an upstream LLM provider family.
type Provider string

// Known provider families. ProviderUnknown is the zero value and indicates
// that inference from the model label failed.
const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderUnknown   Provider = ""
)

// Identity names one LLM: a short user-facing label, the provider family it
// belongs to, and the canonical model name sent on the wire.
//
// Identities are constructed either by an adapter's DefaultIdentity or by
// ParseIdentity from a user-supplied label.
type Identity struct {
	// Label is the label the user supplied, e.g. "gpt-4o-mini" or
	// "anthropic/claude-sonnet-4". Participates in hashing when the caller
	// requests hash-by-llm.
	Label string

	// Provider is the inferred or declared provider family.
	Provider Provider

	// Model is the canonical model name passed to the provider.
	Model string
}

// ParseIdentity resolves a model label into an Identity.
//
// A slash-separated label "<provider>/<model>" is honored verbatim:
//
//	ParseIdentity("anthropic/claude-sonnet-4")
//	// => Identity{Provider: "anthropic", Model: "claude-sonnet-4"}
//
// Otherwise the provider is inferred by prefix rules:
//   - "gpt-", "o1", "o3", "o4", "chatgpt" => openai
//   - "claude"                            => anthropic
//   - "gemini", "models/"                 => google
//
// Labels that match no rule yield ProviderUnknown; the agent rejects those
// at dispatch time with ErrProviderIncompatible rather than guessing.
func ParseIdentity(label string) Identity {
	if prov, rest, ok := strings.Cut(label, "/"); ok && Provider(prov) != ProviderUnknown {
		switch p := Provider(prov); p {
		case ProviderOpenAI, ProviderAnthropic, ProviderGoogle:
			return Identity{Label: label, Provider: p, Model: rest}
		}
	}

	return Identity{Label: label, Provider: inferProvider(label), Model: label}
}

// inferProvider applies the prefix rules. Kept separate so the slash form
// never falls through to inference.
func inferProvider(label string) Provider {
	l := strings.ToLower(label)
	switch {
	case strings.HasPrefix(l, "gpt-"),
		strings.HasPrefix(l, "o1"),
		strings.HasPrefix(l, "o3"),
		strings.HasPrefix(l, "o4"),
		strings.HasPrefix(l, "chatgpt"):
		return ProviderOpenAI
	case strings.HasPrefix(l, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(l, "gemini"),
		strings.HasPrefix(l, "models/"):
		return ProviderGoogle
	default:
		return ProviderUnknown
	}
}
