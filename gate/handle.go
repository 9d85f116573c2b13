package gate

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dshills/replaygate/gate/backend"
	"github.com/dshills/replaygate/gate/call"
	"github.com/dshills/replaygate/gate/model"
	"github.com/dshills/replaygate/gate/store"
)

// Handle is a lazy reference to a response.
//
// A ready handle carries its value; a pending handle carries only the call
// identity and the backend that will produce the value. Resolution memoizes:
// after the first successful Resolve the handle is ready.
//
// Serialization (gob) keeps only the concise call identity. A deserialized
// handle is pending and unbound; Gateway.LoadHandle re-binds it.
type Handle struct {
	mu     sync.Mutex
	cid    call.ID
	ready  bool
	parsed model.ParsedResponse
	be     backend.Backend
}

func newReadyHandle(cid call.ID, parsed model.ParsedResponse) *Handle {
	return &Handle{cid: cid, ready: true, parsed: parsed}
}

func newPendingHandle(cid call.ID, be backend.Backend) *Handle {
	return &Handle{cid: cid, be: be}
}

// CallID returns the identity this handle refers to.
func (h *Handle) CallID() call.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cid
}

// Ready reports whether the value is already held.
func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Resolve returns the response text, blocking on the backend when pending.
func (h *Handle) Resolve(ctx context.Context) (string, error) {
	parsed, err := h.Response(ctx)
	if err != nil {
		return "", err
	}
	return parsed.Text, nil
}

// Response returns the full parsed response, resolving when pending.
func (h *Handle) Response(ctx context.Context) (model.ParsedResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ready {
		return h.parsed, nil
	}
	if h.be == nil {
		return model.ParsedResponse{}, fmt.Errorf("%w: %s", ErrUnboundHandle, h.cid)
	}

	parsed, err := h.be.Retrieve(ctx, h.cid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ParsedResponse{}, fmt.Errorf("%w: %s", ErrIntegrity, h.cid)
		}
		return model.ParsedResponse{}, err
	}

	h.parsed = parsed
	h.ready = true
	return parsed, nil
}

// ResolveJSON resolves the text and decodes it as JSON into v. Markdown
// code fences around the payload are tolerated.
func (h *Handle) ResolveJSON(ctx context.Context, v interface{}) error {
	text, err := h.Resolve(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(stripFences(text)), v)
}

// ResolveFunctionCalls resolves and returns the model's function calls,
// empty when the response was plain text.
func (h *Handle) ResolveFunctionCalls(ctx context.Context) ([]model.FunctionCall, error) {
	parsed, err := h.Response(ctx)
	if err != nil {
		return nil, err
	}
	return parsed.FunctionCalls, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

// bind attaches a backend to a deserialized handle.
func (h *Handle) bind(be backend.Backend) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready {
		h.be = be
	}
}

// conciseCID is the serialized form of a handle: the matchable identity
// only. Values and backend bindings never leave the process.
type conciseCID struct {
	AgentName string
	DocHash   string
	SeqID     int
}

// GobEncode implements gob.GobEncoder.
func (h *Handle) GobEncode() ([]byte, error) {
	h.mu.Lock()
	c := conciseCID{AgentName: h.cid.AgentName, DocHash: h.cid.DocHash, SeqID: h.cid.SeqID}
	h.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder. The decoded handle is pending and
// unbound.
func (h *Handle) GobDecode(data []byte) error {
	var c conciseCID
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return err
	}
	h.cid = call.ID{AgentName: c.AgentName, DocHash: c.DocHash, SeqID: c.SeqID}
	h.ready = false
	h.be = nil
	return nil
}
