// Package call defines request identity: the content hash over a request's
// inputs and the CallID record that names one logical request across runs.
package call

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dshills/replaygate/gate/model"
)

// Type tags written into the hash stream ahead of variant-specific bytes.
// Changing any of these changes every stored fingerprint, so they are
// frozen.
const (
	tagText        = "text"
	tagRole        = "role"
	tagImage       = "image"
	tagFuncCall    = "function_call"
	tagFuncCallOut = "function_call_output"
)

// Hash computes the 256-bit content fingerprint of a request.
//
// The digest covers, in order: the instructions (when present) as UTF-8
// bytes, then each document as a type tag followed by type-specific bytes:
//
//   - Text: the content bytes
//   - RoleText: role bytes, then content bytes
//   - Image: the encoded image bytes (the caller supplies the format)
//   - FunctionCallRequest: the literal "function_call", any preceding
//     text, then the stringified calls
//   - FunctionCallOutput: the literal "function_call_output", the content,
//     then the call id
//
// The result is 64 lowercase hex characters. Equal inputs always produce
// equal hashes; any change in content, order or salt changes the hash.
// Wall clock, session and sequence counters never participate.
//
// Unknown document variants fail with model.ErrInvalidDocument.
func Hash(instructions *string, docs []model.Document) (string, error) {
	h := sha256.New()

	if instructions != nil {
		h.Write([]byte(*instructions))
	}

	for i, doc := range docs {
		switch d := doc.(type) {
		case model.Text:
			h.Write([]byte(tagText))
			h.Write([]byte(d.Content))
		case model.RoleText:
			h.Write([]byte(tagRole))
			h.Write([]byte(d.Role))
			h.Write([]byte(d.Content))
		case model.Image:
			h.Write([]byte(tagImage))
			h.Write(d.Data)
		case model.FunctionCallRequest:
			h.Write([]byte(tagFuncCall))
			h.Write([]byte(d.Text))
			calls, err := json.Marshal(d.Calls)
			if err != nil {
				return "", fmt.Errorf("failed to stringify function calls: %w", err)
			}
			h.Write(calls)
		case model.FunctionCallOutput:
			h.Write([]byte(tagFuncCallOut))
			h.Write([]byte(d.Content))
			h.Write([]byte(d.CallID))
		default:
			return "", fmt.Errorf("document %d: %w: %T", i, model.ErrInvalidDocument, doc)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
