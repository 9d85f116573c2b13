package openai

import (
	"encoding/base64"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/dshills/replaygate/gate/model"
)

// buildMessages renders the instructions and document list into chat
// message params. Document order is preserved; the instructions become the
// leading system message.
func buildMessages(instructions *string, docs []model.Document) ([]openai.ChatCompletionMessageParamUnion, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(docs)+1)

	if instructions != nil {
		msgs = append(msgs, openai.SystemMessage(*instructions))
	}

	for i, doc := range docs {
		switch d := doc.(type) {
		case model.Text:
			msgs = append(msgs, openai.UserMessage(d.Content))

		case model.RoleText:
			msg, err := roleMessage(d)
			if err != nil {
				return nil, fmt.Errorf("document %d: %w", i, err)
			}
			msgs = append(msgs, msg)

		case model.Image:
			msgs = append(msgs, openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL(d),
				}),
			}))

		case model.FunctionCallRequest:
			msgs = append(msgs, assistantToolCalls(d))

		case model.FunctionCallOutput:
			msgs = append(msgs, openai.ToolMessage(d.Content, d.CallID))

		default:
			return nil, fmt.Errorf("document %d: %w: %T", i, model.ErrInvalidDocument, doc)
		}
	}

	return msgs, nil
}

func roleMessage(d model.RoleText) (openai.ChatCompletionMessageParamUnion, error) {
	switch d.Role {
	case model.RoleUser:
		return openai.UserMessage(d.Content), nil
	case model.RoleAssistant:
		return openai.AssistantMessage(d.Content), nil
	case model.RoleSystem:
		return openai.SystemMessage(d.Content), nil
	case model.RoleDeveloper:
		return openai.DeveloperMessage(d.Content), nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role %q", d.Role)
	}
}

// assistantToolCalls renders a prior assistant turn that requested tool
// calls, preserving the call ids so tool outputs can refer back to them.
func assistantToolCalls(d model.FunctionCallRequest) openai.ChatCompletionMessageParamUnion {
	asst := openai.ChatCompletionAssistantMessageParam{}
	if d.Text != "" {
		asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(d.Text),
		}
	}
	for _, c := range d.Calls {
		asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: c.CallID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      c.Name,
				Arguments: string(c.Arguments),
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

// dataURL inlines an image as a base64 data URL, the form the Chat
// Completions API accepts for request-embedded images.
func dataURL(d model.Image) string {
	return "data:" + d.MediaType + ";base64," + base64.StdEncoding.EncodeToString(d.Data)
}
