package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/replaygate/gate/call"
	"github.com/dshills/replaygate/gate/emit"
	"github.com/dshills/replaygate/gate/model"
)

const (
	// DefaultAsyncMaxConcurrent bounds helper goroutines running provider
	// futures at once.
	DefaultAsyncMaxConcurrent = 8

	// asyncPersistTimeout bounds how long Persist waits for live tasks.
	asyncPersistTimeout = 30 * time.Second

	// asyncShutdownTimeout bounds how long Shutdown waits for the worker.
	asyncShutdownTimeout = 5 * time.Second
)

// ErrShuttingDown is returned by Submit after Shutdown has begun.
var ErrShuttingDown = errors.New("backend is shutting down")

// asyncTask is one in-flight call. The done channel closes exactly once,
// after the worker has written the outcome to the datastore and filled
// parsed/err.
type asyncTask struct {
	cid     call.ID
	adapter model.AsyncCaller
	params  model.QueryParams
	upsert  bool

	done   chan struct{}
	parsed model.ParsedResponse
	err    error
}

// asyncOutcome carries a finished provider future from a helper goroutine
// back to the worker.
type asyncOutcome struct {
	task *asyncTask
	raw  model.RawResponse
	err  error
}

// AsyncBackend executes calls on background goroutines with out-of-order
// completion.
//
// One worker goroutine owns every datastore write: helper goroutines only
// run the provider future and hand the outcome back over a channel, so the
// store never sees concurrent writers from this backend. Completion order
// follows provider latency, not submission order; results are keyed by call
// identity, never by arrival position.
type AsyncBackend struct {
	cfg Config

	submitCh chan *asyncTask
	resultCh chan asyncOutcome
	sem      chan struct{}

	mu   sync.Mutex
	live map[string]*asyncTask

	runCtx     context.Context
	cancel     context.CancelFunc
	workerDone chan struct{}
	closed     bool
}

// NewAsyncBackend creates an async backend and starts its worker.
// maxConcurrent <= 0 uses DefaultAsyncMaxConcurrent.
func NewAsyncBackend(cfg Config, maxConcurrent int) *AsyncBackend {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultAsyncMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &AsyncBackend{
		cfg:        cfg,
		submitCh:   make(chan *asyncTask, maxConcurrent),
		resultCh:   make(chan asyncOutcome, maxConcurrent),
		sem:        make(chan struct{}, maxConcurrent),
		live:       make(map[string]*asyncTask),
		runCtx:     ctx,
		cancel:     cancel,
		workerDone: make(chan struct{}),
	}
	go b.worker()
	return b
}

// Submit implements Backend. The call is scheduled and ready is false; a
// later Retrieve for the same identity blocks until the task completes.
// Submitting an identity that is already live is a no-op on the second
// submission.
func (b *AsyncBackend) Submit(ctx context.Context, adapter model.Adapter, cid call.ID, params model.QueryParams, upsert bool) (model.ParsedResponse, bool, error) {
	caller, ok := adapter.(model.AsyncCaller)
	if !ok {
		return model.ParsedResponse{}, false, fmt.Errorf("%w: %s has no asynchronous call support", ErrProviderIncompatible, adapter.ProviderType())
	}

	task := &asyncTask{
		cid:     cid,
		adapter: caller,
		params:  params,
		upsert:  upsert,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return model.ParsedResponse{}, false, ErrShuttingDown
	}
	if _, exists := b.live[cid.Key()]; exists {
		b.mu.Unlock()
		return model.ParsedResponse{}, false, nil
	}
	b.live[cid.Key()] = task
	b.mu.Unlock()

	select {
	case b.submitCh <- task:
	case <-ctx.Done():
		b.drop(task)
		return model.ParsedResponse{}, false, ctx.Err()
	case <-b.runCtx.Done():
		b.drop(task)
		return model.ParsedResponse{}, false, ErrShuttingDown
	}

	b.cfg.Metrics.AsyncTaskStarted()
	b.cfg.emitter().Emit(emit.Event{
		Session: b.cfg.Session,
		Agent:   cid.AgentName,
		Seq:     cid.SeqID,
		Kind:    emit.KindAsyncSubmit,
		Meta:    map[string]interface{}{"doc_hash": cid.ShortHash()},
	})
	return model.ParsedResponse{}, false, nil
}

// worker is the sole datastore writer for this backend. It launches helper
// goroutines for submissions and finalizes their outcomes.
func (b *AsyncBackend) worker() {
	defer close(b.workerDone)

	for {
		select {
		case task := <-b.submitCh:
			go b.runFuture(task)
		case out := <-b.resultCh:
			b.finalize(out)
		case <-b.runCtx.Done():
			b.drain()
			return
		}
	}
}

// runFuture executes one provider future under the concurrency semaphore.
func (b *AsyncBackend) runFuture(task *asyncTask) {
	select {
	case b.sem <- struct{}{}:
	case <-b.runCtx.Done():
		b.resultCh <- asyncOutcome{task: task, err: ErrShuttingDown}
		return
	}
	defer func() { <-b.sem }()

	ch, err := task.adapter.CallAsync(b.runCtx, task.params)
	if err != nil {
		b.resultCh <- asyncOutcome{task: task, err: err}
		return
	}

	select {
	case res := <-ch:
		b.resultCh <- asyncOutcome{task: task, raw: res.Raw, err: res.Err}
	case <-b.runCtx.Done():
		b.resultCh <- asyncOutcome{task: task, err: ErrShuttingDown}
	}
}

// finalize parses and stores one outcome, then releases waiters. Runs on
// the worker goroutine only.
func (b *AsyncBackend) finalize(out asyncOutcome) {
	task := out.task
	ctx := context.Background()

	switch {
	case out.err != nil:
		task.err = fmt.Errorf("provider call failed: %w", out.err)
		b.recordFailure(ctx, task, out.err)
	default:
		parsed, perr := task.adapter.ParseResponse(out.raw)
		if perr != nil {
			task.err = fmt.Errorf("failed to parse provider response: %w", perr)
			b.recordFailure(ctx, task, perr)
			break
		}
		if serr := b.cfg.Store.Store(ctx, task.cid, parsed, task.upsert); serr != nil {
			task.err = serr
			break
		}
		task.parsed = parsed
		b.cfg.emitter().Emit(emit.Event{
			Session: b.cfg.Session,
			Agent:   task.cid.AgentName,
			Seq:     task.cid.SeqID,
			Kind:    emit.KindAsyncComplete,
			Meta:    map[string]interface{}{"doc_hash": task.cid.ShortHash()},
		})
	}

	b.cfg.Metrics.AsyncTaskDone()
	b.mu.Lock()
	delete(b.live, task.cid.Key())
	b.mu.Unlock()
	close(task.done)
}

func (b *AsyncBackend) recordFailure(ctx context.Context, task *asyncTask, cause error) {
	b.cfg.Metrics.RecordLLMError(task.cid.AgentName, string(task.adapter.ProviderType()))
	b.cfg.emitter().Emit(emit.Event{
		Session: b.cfg.Session,
		Agent:   task.cid.AgentName,
		Seq:     task.cid.SeqID,
		Kind:    emit.KindLLMError,
		Meta:    map[string]interface{}{"error": cause.Error()},
	})
	_ = b.cfg.Store.StoreError(ctx, task.cid, cause.Error(), errorCode(cause))
}

// drain finalizes outcomes already queued when shutdown begins, so their
// waiters unblock.
func (b *AsyncBackend) drain() {
	for {
		select {
		case out := <-b.resultCh:
			b.finalize(out)
		default:
			b.failRemaining()
			return
		}
	}
}

// failRemaining releases waiters of tasks that never produced an outcome.
func (b *AsyncBackend) failRemaining() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, task := range b.live {
		task.err = ErrShuttingDown
		close(task.done)
		delete(b.live, key)
	}
}

// drop removes a task that was registered but never handed to the worker.
func (b *AsyncBackend) drop(task *asyncTask) {
	b.mu.Lock()
	delete(b.live, task.cid.Key())
	b.mu.Unlock()
}

// Retrieve implements Backend: targeted wait. A live task for the same
// identity blocks the caller until that task alone completes; tasks for
// other identities are never waited on. With no live task the datastore is
// consulted directly.
func (b *AsyncBackend) Retrieve(ctx context.Context, cid call.ID) (model.ParsedResponse, error) {
	b.mu.Lock()
	task := b.live[cid.Key()]
	b.mu.Unlock()

	if task != nil {
		select {
		case <-task.done:
			if task.err != nil {
				return model.ParsedResponse{}, task.err
			}
			return task.parsed, nil
		case <-ctx.Done():
			return model.ParsedResponse{}, ctx.Err()
		}
	}

	return b.cfg.Store.Retrieve(ctx, cid, false)
}

// Persist implements Backend: drain live tasks (bounded at 30s), then flush
// the datastore. The backend stays usable afterwards.
func (b *AsyncBackend) Persist(ctx context.Context) error {
	deadline := time.NewTimer(asyncPersistTimeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		var task *asyncTask
		for _, t := range b.live {
			task = t
			break
		}
		b.mu.Unlock()
		if task == nil {
			break
		}

		select {
		case <-task.done:
		case <-deadline.C:
			return fmt.Errorf("persist timed out with %d tasks still live", b.liveCount())
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.cfg.Metrics.RecordPersist()
	return b.cfg.Store.Persist(ctx)
}

func (b *AsyncBackend) liveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// Shutdown implements Backend: cancel in-flight futures and join the worker
// within 5s.
func (b *AsyncBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()

	deadline := time.NewTimer(asyncShutdownTimeout)
	defer deadline.Stop()
	select {
	case <-b.workerDone:
		return nil
	case <-deadline.C:
		return errors.New("shutdown timed out waiting for worker")
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Backend = (*AsyncBackend)(nil)
