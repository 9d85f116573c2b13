package gate

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"

	"github.com/dshills/replaygate/gate/model"
)

// Entry is one element of a MessageState: either a document or a handle.
// Exactly one of Doc and Handle is set.
type Entry struct {
	Doc    model.Document
	Handle *Handle
}

// MessageState is an ordered conversation held against one agent: documents
// the caller added and handles from earlier asks, interleaved. It is itself
// askable; each ask sends the whole conversation.
//
// Serialization keeps the entries and local counters but drops the agent
// binding; Agent.Messages re-binds on load.
type MessageState struct {
	agent   *Agent
	entries []Entry

	// Local counter snapshots, used to restore the agent's position after
	// a load.
	anonCtr int
	chkpCtr int
}

// Messages returns the agent's message state, loading a previously
// persisted one from the working directory when present. The state is
// saved automatically when the agent scope exits.
func (a *Agent) Messages(ctx context.Context) (*MessageState, error) {
	if a.msgs != nil {
		return a.msgs, nil
	}

	ms := &MessageState{agent: a}
	data, err := a.gw.fm.LoadUserData(messageStateKey(a.name))
	switch {
	case err == nil:
		if err := ms.decode(data); err != nil {
			return nil, fmt.Errorf("failed to load message state for %s: %w", a.name, err)
		}
		ms.agent = a
		ms.rebind()
		// Restore the anonymous position so appended asks line up with
		// the stored conversation.
		if a.anonCtr < ms.anonCtr {
			a.anonCtr = ms.anonCtr
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	a.msgs = ms
	return ms, nil
}

func messageStateKey(agent string) string {
	return "messages-" + agent
}

// rebind attaches the agent's backend to every loaded handle entry.
func (ms *MessageState) rebind() {
	for _, e := range ms.entries {
		if e.Handle != nil {
			e.Handle.bind(ms.agent.gw.be)
		}
	}
}

// Append adds documents to the conversation.
func (ms *MessageState) Append(docs ...model.Document) {
	for _, d := range docs {
		ms.entries = append(ms.entries, Entry{Doc: d})
	}
}

// AppendHandle adds a response handle to the conversation.
func (ms *MessageState) AppendHandle(h *Handle) {
	ms.entries = append(ms.entries, Entry{Handle: h})
}

// Entries returns the conversation in order.
func (ms *MessageState) Entries() []Entry {
	return ms.entries
}

// Len returns the number of entries.
func (ms *MessageState) Len() int {
	return len(ms.entries)
}

// Documents renders the conversation as provider input: documents pass
// through, handles resolve and become assistant documents. A handle whose
// response carried function calls becomes a FunctionCallRequest so the
// calls survive the round trip.
func (ms *MessageState) Documents(ctx context.Context) ([]model.Document, error) {
	docs := make([]model.Document, 0, len(ms.entries))
	for i, e := range ms.entries {
		if e.Doc != nil {
			docs = append(docs, e.Doc)
			continue
		}

		parsed, err := e.Handle.Response(ctx)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if len(parsed.FunctionCalls) > 0 {
			docs = append(docs, model.FunctionCallRequest{Text: parsed.Text, Calls: parsed.FunctionCalls})
		} else {
			docs = append(docs, model.RoleText{Role: model.RoleAssistant, Content: parsed.Text})
		}
	}
	return docs, nil
}

// AskLLM appends docs to the conversation, asks the bound agent with the
// whole conversation as input, appends the resulting handle and returns it.
func (ms *MessageState) AskLLM(ctx context.Context, docs []model.Document, opts ...AskOption) (*Handle, error) {
	if ms.agent == nil {
		return nil, errors.New("message state is not bound to an agent")
	}

	ms.Append(docs...)

	input, err := ms.Documents(ctx)
	if err != nil {
		return nil, err
	}

	h, err := ms.agent.AskLLM(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	ms.AppendHandle(h)
	ms.snapshotCounters()
	return h, nil
}

func (ms *MessageState) snapshotCounters() {
	ms.anonCtr = ms.agent.anonCtr
	ms.chkpCtr = ms.agent.chkpCtr
}

// Persist saves the conversation under the agent's name in the working
// directory. Called automatically on scope exit.
func (ms *MessageState) Persist(context.Context) error {
	if ms.agent == nil {
		return errors.New("message state is not bound to an agent")
	}
	ms.snapshotCounters()

	data, err := ms.encode()
	if err != nil {
		return fmt.Errorf("failed to encode message state: %w", err)
	}
	return ms.agent.gw.fm.SaveUserData(messageStateKey(ms.agent.name), data, true)
}

// messageWire is the gob shape of a MessageState, without the agent
// binding.
type messageWire struct {
	Entries []Entry
	AnonCtr int
	ChkpCtr int
}

func (ms *MessageState) encode() ([]byte, error) {
	var buf bytes.Buffer
	w := messageWire{Entries: ms.entries, AnonCtr: ms.anonCtr, ChkpCtr: ms.chkpCtr}
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (ms *MessageState) decode(data []byte) error {
	var w messageWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	ms.entries = w.Entries
	ms.anonCtr = w.AnonCtr
	ms.chkpCtr = w.ChkpCtr
	return nil
}
