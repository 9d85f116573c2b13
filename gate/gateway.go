// Package gate is a deterministic-replay gateway for LLM calls.
//
// Every request is identified by a content hash over its instructions and
// documents plus a per-agent sequence counter. Responses are cached in a
// persistent datastore keyed by that identity, so re-running the same
// program against the same working directory serves every call from the
// cache and makes zero provider calls.
//
// A minimal session:
//
//	gw, err := gate.Open("./run",
//	    gate.WithAdapter(openai.New(apiKey)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Close()
//
//	err = gw.WithAgent(ctx, "writer", func(a *gate.Agent) error {
//	    h, err := a.AskLLM(ctx, gate.Docs("Summarize the attached report."))
//	    if err != nil {
//	        return err
//	    }
//	    text, err := h.Resolve(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(text)
//	    return nil
//	})
package gate

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/replaygate/gate/backend"
	"github.com/dshills/replaygate/gate/emit"
	"github.com/dshills/replaygate/gate/fileman"
	"github.com/dshills/replaygate/gate/model"
	"github.com/dshills/replaygate/gate/store"
)

// Gateway owns one working directory: its lock, session counter, datastore
// and execution backend. At most one live process may hold a gateway on a
// directory.
type Gateway struct {
	cfg     config
	fm      *fileman.Manager
	st      store.Store
	be      backend.Backend
	session int

	mu     sync.Mutex
	closed bool
}

// Open acquires the working directory at dir and constructs the gateway:
// lock taken, session counter bumped, datastore opened, backend built for
// the configured strategy. Close releases everything.
func Open(dir string, opts ...Option) (*Gateway, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	fm, err := fileman.Open(dir)
	if err != nil {
		return nil, err
	}
	session := fm.SessionID()

	lake, err := store.NewLake(fm.ApimetaDir(), fm.DatalakeDir())
	if err != nil {
		_ = fm.Close()
		return nil, err
	}

	var st store.Store
	if cfg.mysqlDSN != "" {
		st, err = store.NewMySQLStore(cfg.mysqlDSN, lake, session)
	} else {
		st, err = store.NewSQLiteStore(fm.DatastorePath(), lake, session)
	}
	if err != nil {
		_ = fm.Close()
		return nil, err
	}

	bcfg := backend.Config{
		Store:   st,
		Emitter: cfg.emitter,
		Metrics: cfg.metrics,
		Session: session,
	}

	var be backend.Backend
	switch cfg.strategy {
	case StrategySync, "":
		be = backend.NewSyncBackend(bcfg, backend.NewThrottler(cfg.throttleLimit, cfg.throttleWindow))
	case StrategyAsync:
		be = backend.NewAsyncBackend(bcfg, cfg.asyncMax)
	case StrategyBatch:
		be = backend.NewBatchBackend(bcfg, cfg.confirm, fm.BatchOutDir())
	default:
		_ = st.Close()
		_ = fm.Close()
		return nil, fmt.Errorf("unknown strategy %q", cfg.strategy)
	}

	gw := &Gateway{
		cfg:     cfg,
		fm:      fm,
		st:      st,
		be:      be,
		session: session,
	}
	cfg.emitter.Emit(emit.Event{
		Session: session,
		Seq:     -1,
		Kind:    emit.KindSessionOpen,
		Meta:    map[string]interface{}{"strategy": string(cfg.strategy), "dir": dir},
	})
	return gw, nil
}

// Session returns this gateway's session counter value.
func (g *Gateway) Session() int {
	return g.session
}

// Dir returns the working directory path.
func (g *Gateway) Dir() string {
	return g.fm.Dir()
}

// WithAgent runs fn inside an agent scope for name.
//
// The scope guarantees on exit, success or not: transient checkpoint state
// is cleared, any attached message state is saved, and the control signals
// ErrWrongCheckpoint and ErrGotoCheckpoint are swallowed. ErrNotAvailable
// is swallowed only under the batch strategy; every other error propagates.
func (g *Gateway) WithAgent(ctx context.Context, name string, fn func(a *Agent) error) error {
	a := g.newAgent(name)

	err := fn(a)

	a.clearTransient()
	if a.msgs != nil {
		if perr := a.msgs.Persist(ctx); perr != nil && err == nil {
			err = perr
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrWrongCheckpoint), errors.Is(err, ErrGotoCheckpoint):
		return nil
	case errors.Is(err, ErrNotAvailable) && g.cfg.strategy == StrategyBatch:
		return nil
	default:
		return err
	}
}

// Persist drains in-flight work and flushes the datastore, including the
// cold-tier archival pass.
func (g *Gateway) Persist(ctx context.Context) error {
	g.cfg.emitter.Emit(emit.Event{Session: g.session, Seq: -1, Kind: emit.KindPersist})
	return g.be.Persist(ctx)
}

// ExecuteBatch submits buffered batch calls as provider jobs. Only valid
// under the batch strategy. Returns the submitted job UUIDs.
func (g *Gateway) ExecuteBatch(ctx context.Context, maxBatchSize int) ([]string, error) {
	bb, ok := g.be.(*backend.BatchBackend)
	if !ok {
		return nil, fmt.Errorf("%w: gateway strategy is %s, not batch", ErrProviderMismatch, g.cfg.strategy)
	}
	if g.cfg.adapter == nil {
		return nil, ErrNoAdapter
	}
	return bb.ExecuteBatch(ctx, g.cfg.adapter, maxBatchSize)
}

// TryDownloadAll polls pending batch jobs, storing finished results and
// archiving raw output. Only valid under the batch strategy. Returns the
// UUIDs of jobs completed by this call.
func (g *Gateway) TryDownloadAll(ctx context.Context) ([]string, error) {
	bb, ok := g.be.(*backend.BatchBackend)
	if !ok {
		return nil, fmt.Errorf("%w: gateway strategy is %s, not batch", ErrProviderMismatch, g.cfg.strategy)
	}
	if g.cfg.adapter == nil {
		return nil, ErrNoAdapter
	}
	return bb.TryDownloadAll(ctx, g.cfg.adapter, g.cfg.rewriteCache)
}

// SaveHandle stores a handle under key in the user data store. Only the
// concise call identity is written; LoadHandle re-binds the backend.
func (g *Gateway) SaveHandle(key string, h *Handle) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		return fmt.Errorf("failed to encode handle: %w", err)
	}
	return g.fm.SaveUserData(key, buf.Bytes(), true)
}

// LoadHandle loads a handle stored by SaveHandle and binds it to this
// gateway's backend.
func (g *Gateway) LoadHandle(key string) (*Handle, error) {
	data, err := g.fm.LoadUserData(key)
	if err != nil {
		return nil, err
	}
	var h Handle
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode handle: %w", err)
	}
	h.bind(g.be)
	return &h, nil
}

// Close shuts down the backend, closes the datastore and releases the
// directory lock. Double-close is a no-op.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.cfg.emitter.Emit(emit.Event{Session: g.session, Seq: -1, Kind: emit.KindSessionClose})

	var firstErr error
	if err := g.be.Shutdown(context.Background()); err != nil {
		firstErr = err
	}
	if err := g.st.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.fm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Docs wraps plain strings as text documents, the common AskLLM input.
func Docs(texts ...string) []model.Document {
	docs := make([]model.Document, len(texts))
	for i, t := range texts {
		docs[i] = model.Text{Content: t}
	}
	return docs
}
