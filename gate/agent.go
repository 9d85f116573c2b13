package gate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dshills/replaygate/gate/call"
	"github.com/dshills/replaygate/gate/emit"
	"github.com/dshills/replaygate/gate/fileman"
	"github.com/dshills/replaygate/gate/model"
	"github.com/dshills/replaygate/gate/store"
)

// Agent issues calls under one name inside a gateway scope.
//
// Sequence ids come from two counters. The anonymous counter starts at zero
// on every scope entry and is never persisted: calls outside checkpoints
// replay only when the program reaches them in the same order. The
// checkpoint counter is persisted with the checkpoint name, so a rerun that
// enters the same checkpoint re-issues the same sequence ids and hits the
// cache even when earlier, non-deterministic parts of the program diverged.
type Agent struct {
	gw   *Gateway
	name string

	anonCtr   int
	active    string
	hasActive bool
	chkpCtr   int

	msgs *MessageState
}

func (g *Gateway) newAgent(name string) *Agent {
	return &Agent{gw: g, name: name}
}

// Name returns the agent name.
func (a *Agent) Name() string {
	return a.name
}

func (a *Agent) clearTransient() {
	a.active = ""
	a.hasActive = false
	a.chkpCtr = 0
}

// enterCheckpoint loads the persisted counter and activates name.
func (a *Agent) enterCheckpoint(name string, counter int) {
	a.active = name
	a.hasActive = true
	a.chkpCtr = counter
}

// WhenCheckpoint guards a block of code with a checkpoint name.
//
// If the agent has no checkpoint yet, the name is claimed and the block
// runs. If the persisted checkpoint matches, the block runs with the
// persisted counter restored. Otherwise the block is skipped and the next
// WhenCheckpoint gets its chance; program flow continues.
//
// Errors from fn propagate, including ErrGotoCheckpoint raised inside the
// block.
func (a *Agent) WhenCheckpoint(name string, fn func() error) error {
	st, ok := a.gw.fm.AgentState(a.name)

	if !ok || st.LatestCheckpoint == "" {
		st.LatestCheckpoint = name
		if err := a.gw.fm.SetAgentState(a.name, st); err != nil {
			return err
		}
		if err := a.gw.fm.LogCheckpointEvent(fileman.EventCheckpointSet, a.name, name, st.CheckpointCounter); err != nil {
			return err
		}
	} else if st.LatestCheckpoint != name {
		return nil
	}

	return a.runCheckpoint(name, st.CheckpointCounter, fn)
}

// WhenCheckpointPattern guards a block with a regular expression matched
// against the persisted checkpoint name. With no checkpoint set the block
// is skipped. fn receives the matched name.
func (a *Agent) WhenCheckpointPattern(pattern string, fn func(name string) error) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("bad checkpoint pattern: %w", err)
	}

	st, ok := a.gw.fm.AgentState(a.name)
	if !ok || st.LatestCheckpoint == "" || !re.MatchString(st.LatestCheckpoint) {
		return nil
	}

	name := st.LatestCheckpoint
	return a.runCheckpoint(name, st.CheckpointCounter, func() error { return fn(name) })
}

func (a *Agent) runCheckpoint(name string, counter int, fn func() error) error {
	a.enterCheckpoint(name, counter)
	if err := a.gw.fm.LogCheckpointEvent(fileman.EventCheckpointEnter, a.name, name, counter); err != nil {
		return err
	}
	a.gw.cfg.emitter.Emit(emit.Event{
		Session:    a.gw.session,
		Agent:      a.name,
		Seq:        counter,
		Checkpoint: name,
		Kind:       emit.KindCheckpointSet,
	})

	err := fn()

	// The checkpoint block is over either way; later asks use the
	// anonymous counter again.
	a.clearTransient()
	return err
}

// GotoCheckpoint persists next as the agent's checkpoint, carrying the
// current counter value forward, and returns ErrGotoCheckpoint. Callers
// return that signal; the rest of the scope is skipped and the gateway
// swallows it.
func (a *Agent) GotoCheckpoint(next string) error {
	st, _ := a.gw.fm.AgentState(a.name)
	st.LatestCheckpoint = next
	if a.hasActive {
		st.CheckpointCounter = a.chkpCtr
	} else {
		st.CheckpointCounter = 0
	}
	if err := a.gw.fm.SetAgentState(a.name, st); err != nil {
		return err
	}
	if err := a.gw.fm.LogCheckpointEvent(fileman.EventCheckpointGoto, a.name, next, st.CheckpointCounter); err != nil {
		return err
	}

	a.gw.cfg.emitter.Emit(emit.Event{
		Session:    a.gw.session,
		Agent:      a.name,
		Seq:        st.CheckpointCounter,
		Checkpoint: next,
		Kind:       emit.KindCheckpointGoto,
	})
	return ErrGotoCheckpoint
}

// AskLLM issues one call.
//
// The request is hashed over instructions, documents and salt; the cache is
// consulted under (agent, hash, seq); on a miss the configured backend
// executes the call. The returned handle is ready on a cache hit or under
// the sync strategy, pending under async and batch.
func (a *Agent) AskLLM(ctx context.Context, docs []model.Document, opts ...AskOption) (*Handle, error) {
	var ac askConfig
	for _, opt := range opts {
		opt(&ac)
	}
	adapter := a.gw.cfg.adapter

	var id model.Identity
	switch {
	case ac.llm != nil:
		id = *ac.llm
	case adapter != nil:
		id = adapter.DefaultIdentity()
	}

	salt := append([]string(nil), ac.salt...)
	for _, field := range ac.hashBy {
		if field == "llm" && id.Label != "" {
			salt = append(salt, id.Label)
		}
	}

	var seq int
	if a.hasActive {
		seq = a.chkpCtr
		a.chkpCtr++
	} else {
		seq = a.anonCtr
		a.anonCtr++
	}

	hashDocs := docs
	if len(salt) > 0 {
		hashDocs = append(append([]model.Document(nil), docs...), saltDocs(salt)...)
	}
	hash, err := call.Hash(ac.instructions, hashDocs)
	if err != nil {
		return nil, err
	}

	provider := id.Provider
	if provider == "" || provider == model.ProviderUnknown {
		if adapter != nil {
			provider = adapter.ProviderType()
		}
	}

	cid := call.ID{
		AgentName:  a.name,
		DocHash:    hash,
		SeqID:      seq,
		SessionID:  a.gw.session,
		Checkpoint: a.active,
		Meta:       call.Meta{ProviderType: provider, Tag: ac.tag},
	}

	if ac.saveInput {
		if err := a.saveInput(cid, ac.instructions, docs); err != nil {
			return nil, err
		}
	}

	if !a.gw.cfg.ignoreCache {
		parsed, err := a.gw.st.Retrieve(ctx, cid, false)
		if err == nil {
			a.gw.cfg.metrics.RecordCacheHit(a.name)
			a.gw.cfg.emitter.Emit(emit.Event{
				Session:    a.gw.session,
				Agent:      a.name,
				Seq:        seq,
				Checkpoint: a.active,
				Kind:       emit.KindCacheHit,
				Meta:       map[string]interface{}{"doc_hash": cid.ShortHash()},
			})
			return newReadyHandle(cid, parsed), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		a.gw.cfg.metrics.RecordCacheMiss(a.name)
		a.gw.cfg.emitter.Emit(emit.Event{
			Session:    a.gw.session,
			Agent:      a.name,
			Seq:        seq,
			Checkpoint: a.active,
			Kind:       emit.KindCacheMiss,
			Meta:       map[string]interface{}{"doc_hash": cid.ShortHash()},
		})
	}

	if adapter == nil {
		return nil, fmt.Errorf("%w: cache miss for %s", ErrNoAdapter, cid)
	}
	if id.Provider != "" && id.Provider != model.ProviderUnknown && id.Provider != adapter.ProviderType() {
		return nil, fmt.Errorf("%w: request names %s, adapter serves %s",
			ErrProviderMismatch, id.Provider, adapter.ProviderType())
	}

	params := model.QueryParams{
		Instructions: ac.instructions,
		Documents:    docs,
		LLM:          id,
		TextFormat:   ac.textFormat,
		Tools:        ac.tools,
	}
	parsed, ready, err := a.gw.be.Submit(ctx, adapter, cid, params, a.gw.cfg.rewriteCache)
	if err != nil {
		return nil, err
	}
	if ready {
		return newReadyHandle(cid, parsed), nil
	}
	return newPendingHandle(cid, a.gw.be), nil
}

// saveInput archives the rendered request under the call's custom id.
func (a *Agent) saveInput(cid call.ID, instructions *string, docs []model.Document) error {
	var b strings.Builder
	if instructions != nil {
		b.WriteString(*instructions)
		b.WriteString("\n---\n")
	}
	for _, d := range docs {
		switch doc := d.(type) {
		case model.Text:
			b.WriteString(doc.Content)
		case model.RoleText:
			b.WriteString(doc.Role)
			b.WriteString(": ")
			b.WriteString(doc.Content)
		case model.FunctionCallOutput:
			b.WriteString("function output ")
			b.WriteString(doc.CallID)
			b.WriteString(": ")
			b.WriteString(doc.Content)
		default:
			b.WriteString(fmt.Sprintf("<%T>", d))
		}
		b.WriteString("\n")
	}
	return a.gw.fm.SaveUserData("input-"+cid.CustomID(), []byte(b.String()), false)
}

func saltDocs(terms []string) []model.Document {
	docs := make([]model.Document, len(terms))
	for i, t := range terms {
		docs[i] = model.Text{Content: t}
	}
	return docs
}
