package backend

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dshills/replaygate/gate/call"
	"github.com/dshills/replaygate/gate/emit"
	"github.com/dshills/replaygate/gate/model"
	"github.com/dshills/replaygate/gate/store"
)

// DefaultMaxBatchSize is the per-job call limit used when ExecuteBatch is
// given a non-positive size.
const DefaultMaxBatchSize = 500

// ConfirmFunc lets a collaborator veto a batch submission. It is asked once
// per job, with the model name and the number of calls about to be
// submitted, so a collaborator may approve some jobs and veto others in the
// same ExecuteBatch. Returning false leaves that job's calls in the buffer.
type ConfirmFunc func(modelName string, count int) bool

// batchLine is one buffered call awaiting submission.
type batchLine struct {
	cid       call.ID
	customID  string
	line      []byte
	modelName string
}

// BatchBackend defers calls into provider batch jobs.
//
// Submit never produces a response: the call is buffered (or silently
// dropped when it is already part of a pending job) and resolving the
// pending handle raises ErrNotAvailable. A later run submits the buffer
// with ExecuteBatch, downloads finished jobs with TryDownloadAll, and
// replays then hit the cache.
type BatchBackend struct {
	cfg         Config
	confirm     ConfirmFunc
	batchOutDir string

	mu     sync.Mutex
	buffer []batchLine
}

// NewBatchBackend creates a batch backend. confirm may be nil to submit
// without confirmation; batchOutDir receives raw result archives.
func NewBatchBackend(cfg Config, confirm ConfirmFunc, batchOutDir string) *BatchBackend {
	return &BatchBackend{
		cfg:         cfg,
		confirm:     confirm,
		batchOutDir: batchOutDir,
	}
}

// Submit implements Backend. The call is buffered for the next
// ExecuteBatch and never ready; the caller gets a pending handle whose
// resolution raises ErrNotAvailable until the job result is downloaded. A
// call already sitting in a pending batch job, or already buffered, is
// dropped without a second copy.
func (b *BatchBackend) Submit(ctx context.Context, adapter model.Adapter, cid call.ID, params model.QueryParams, _ bool) (model.ParsedResponse, bool, error) {
	caller, ok := adapter.(model.BatchCaller)
	if !ok {
		return model.ParsedResponse{}, false, fmt.Errorf("%w: %s has no batch support", ErrProviderIncompatible, adapter.ProviderType())
	}

	pending, err := b.cfg.Store.CallInPendingBatch(ctx, cid)
	if err != nil {
		return model.ParsedResponse{}, false, err
	}
	if pending {
		return model.ParsedResponse{}, false, nil
	}

	customID := cid.CustomID()
	line, err := caller.PrepareBatchLine(params, customID)
	if err != nil {
		return model.ParsedResponse{}, false, fmt.Errorf("failed to prepare batch line: %w", err)
	}

	modelName := params.LLM.Model
	if modelName == "" {
		modelName = adapter.DefaultIdentity().Model
	}

	b.mu.Lock()
	duplicate := false
	for _, l := range b.buffer {
		if l.cid.Matches(cid) {
			duplicate = true
			break
		}
	}
	if !duplicate {
		b.buffer = append(b.buffer, batchLine{
			cid:       cid,
			customID:  customID,
			line:      line,
			modelName: modelName,
		})
	}
	depth := len(b.buffer)
	b.mu.Unlock()

	b.cfg.Metrics.SetBatchBuffered(depth)
	if !duplicate {
		b.cfg.emitter().Emit(emit.Event{
			Session: b.cfg.Session,
			Agent:   cid.AgentName,
			Seq:     cid.SeqID,
			Kind:    emit.KindBatchBuffer,
			Meta:    map[string]interface{}{"model": modelName, "buffered": depth},
		})
	}

	return model.ParsedResponse{}, false, nil
}

// BufferedCount returns the number of calls waiting for submission.
func (b *BatchBackend) BufferedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// ExecuteBatch submits the buffer as provider batch jobs.
//
// Calls are always partitioned by model name first, then chunked to
// maxBatchSize per job. Mixing models in one job produces provider-side
// shape errors, so an unpartitioned submission path does not exist. A
// confirmation veto keeps that job's calls buffered for a later attempt; a
// submission failure re-queues the failed job and every job not yet
// submitted, so no buffered call is ever lost.
//
// Returns the UUIDs of the submitted jobs.
func (b *BatchBackend) ExecuteBatch(ctx context.Context, adapter model.Adapter, maxBatchSize int) ([]string, error) {
	caller, ok := adapter.(model.BatchCaller)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no batch support", ErrProviderIncompatible, adapter.ProviderType())
	}
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}

	b.mu.Lock()
	lines := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	byModel := make(map[string][]batchLine)
	var order []string
	for _, l := range lines {
		if _, seen := byModel[l.modelName]; !seen {
			order = append(order, l.modelName)
		}
		byModel[l.modelName] = append(byModel[l.modelName], l)
	}

	type job struct {
		modelName string
		lines     []batchLine
	}
	var jobs []job
	for _, modelName := range order {
		cohort := byModel[modelName]
		for start := 0; start < len(cohort); start += maxBatchSize {
			end := start + maxBatchSize
			if end > len(cohort) {
				end = len(cohort)
			}
			jobs = append(jobs, job{modelName: modelName, lines: cohort[start:end]})
		}
	}

	var (
		uuids    []string
		returned []batchLine
	)
	for i, j := range jobs {
		if b.confirm != nil && !b.confirm(j.modelName, len(j.lines)) {
			returned = append(returned, j.lines...)
			continue
		}

		uuid, err := b.submitChunk(ctx, caller, j.modelName, j.lines)
		if err != nil {
			for _, rest := range jobs[i:] {
				returned = append(returned, rest.lines...)
			}
			b.requeue(returned)
			return uuids, err
		}
		uuids = append(uuids, uuid)
	}

	b.requeue(returned)
	return uuids, nil
}

func (b *BatchBackend) requeue(lines []batchLine) {
	if len(lines) == 0 {
		b.cfg.Metrics.SetBatchBuffered(b.BufferedCount())
		return
	}
	b.mu.Lock()
	b.buffer = append(lines, b.buffer...)
	depth := len(b.buffer)
	b.mu.Unlock()
	b.cfg.Metrics.SetBatchBuffered(depth)
}

// submitChunk writes one jsonl input file, submits it, and records the
// pending batch. The input file is removed after submission.
func (b *BatchBackend) submitChunk(ctx context.Context, caller model.BatchCaller, modelName string, chunk []batchLine) (string, error) {
	f, err := os.CreateTemp("", "replaygate-batch-*.jsonl")
	if err != nil {
		return "", fmt.Errorf("failed to create batch input file: %w", err)
	}
	path := f.Name()
	defer func() { _ = os.Remove(path) }()

	for _, l := range chunk {
		if _, err := f.Write(append(l.line, '\n')); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("failed to write batch input: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close batch input: %w", err)
	}

	uuid, err := caller.SubmitBatch(ctx, path, modelName)
	if err != nil {
		return "", fmt.Errorf("failed to submit batch: %w", err)
	}

	pending := store.PendingBatch{UUID: uuid}
	for _, l := range chunk {
		pending.Entries = append(pending.Entries, store.PendingEntry{CID: l.cid, CustomID: l.customID})
	}
	if err := b.cfg.Store.StorePendingBatch(ctx, pending); err != nil {
		return "", fmt.Errorf("batch %s submitted but bookkeeping failed: %w", uuid, err)
	}

	b.cfg.Metrics.RecordBatchJob(string(caller.ProviderType()))
	b.cfg.emitter().Emit(emit.Event{
		Session: b.cfg.Session,
		Kind:    emit.KindBatchSubmit,
		Meta: map[string]interface{}{
			"batch_uuid": uuid,
			"model":      modelName,
			"calls":      len(chunk),
		},
	})
	return uuid, nil
}

// TryDownloadAll polls every pending batch job, stores finished results,
// archives the raw output, and clears bookkeeping for completed jobs.
// Jobs that are still running are left pending without error.
//
// Returns the UUIDs of the jobs that completed in this call.
func (b *BatchBackend) TryDownloadAll(ctx context.Context, adapter model.Adapter, upsert bool) ([]string, error) {
	caller, ok := adapter.(model.BatchCaller)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no batch support", ErrProviderIncompatible, adapter.ProviderType())
	}

	uuids, err := b.cfg.Store.ListPendingBatchUUIDs(ctx)
	if err != nil {
		return nil, err
	}

	var completed []string
	for _, uuid := range uuids {
		results, err := caller.DownloadBatch(ctx, uuid)
		if err != nil {
			// Still running or transient; leave it pending.
			b.cfg.emitter().Emit(emit.Event{
				Session: b.cfg.Session,
				Kind:    emit.KindBatchDownload,
				Msg:     "batch not ready",
				Meta:    map[string]interface{}{"batch_uuid": uuid, "error": err.Error()},
			})
			continue
		}

		if err := b.storeResults(ctx, caller, uuid, results, upsert); err != nil {
			return completed, err
		}
		if err := b.archiveResults(uuid, results); err != nil {
			return completed, err
		}
		if err := b.cfg.Store.ClearBatchPending(ctx, uuid); err != nil {
			return completed, err
		}

		completed = append(completed, uuid)
		b.cfg.emitter().Emit(emit.Event{
			Session: b.cfg.Session,
			Kind:    emit.KindBatchDownload,
			Meta:    map[string]interface{}{"batch_uuid": uuid, "results": len(results)},
		})
	}
	return completed, nil
}

// storeResults writes each downloaded result: ready results go to the
// responses table via the pending-row join, error results go to the errors
// table under their original identity.
func (b *BatchBackend) storeResults(ctx context.Context, caller model.BatchCaller, uuid string, results []model.BatchResult, upsert bool) error {
	provider := string(caller.ProviderType())

	cids, err := b.cfg.Store.RetrieveBatchCIDs(ctx, uuid)
	if err != nil {
		return err
	}
	byCustomID := make(map[string]call.ID, len(cids))
	for _, cid := range cids {
		byCustomID[cid.CustomID()] = cid
	}

	for _, res := range results {
		switch res.Status {
		case model.BatchReady:
			if err := b.cfg.Store.StoreReadyBatch(ctx, uuid, res, upsert); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					// Result for a row this store never submitted; skip.
					continue
				}
				return err
			}
			b.cfg.Metrics.RecordBatchResult(provider, "ready")
		case model.BatchError:
			cid, ok := byCustomID[res.CustomID]
			if !ok {
				continue
			}
			if err := b.cfg.Store.StoreError(ctx, cid, res.ErrMessage, res.ErrCode); err != nil {
				return err
			}
			b.cfg.Metrics.RecordBatchResult(provider, "error")
			b.cfg.emitter().Emit(emit.Event{
				Session: b.cfg.Session,
				Agent:   cid.AgentName,
				Seq:     cid.SeqID,
				Kind:    emit.KindLLMError,
				Meta:    map[string]interface{}{"batch_uuid": uuid, "error": res.ErrMessage},
			})
		}
	}
	return nil
}

// archiveResults zips the raw provider output lines to
// <batchOutDir>/<uuid>.zip for offline inspection.
func (b *BatchBackend) archiveResults(uuid string, results []model.BatchResult) error {
	if b.batchOutDir == "" {
		return nil
	}
	if err := os.MkdirAll(b.batchOutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create batch output directory: %w", err)
	}

	var raw bytes.Buffer
	for _, res := range results {
		raw.Write(res.RawOutput)
		raw.WriteByte('\n')
	}

	path := filepath.Join(b.batchOutDir, uuid+".zip")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create batch archive: %w", err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create(uuid + ".jsonl")
	if err == nil {
		_, err = w.Write(raw.Bytes())
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write batch archive: %w", err)
	}
	return nil
}

// Retrieve implements Backend. A call in a pending job answers
// ErrNotAvailable; otherwise the datastore decides.
func (b *BatchBackend) Retrieve(ctx context.Context, cid call.ID) (model.ParsedResponse, error) {
	parsed, err := b.cfg.Store.Retrieve(ctx, cid, false)
	if err == nil {
		return parsed, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.ParsedResponse{}, err
	}

	pending, perr := b.cfg.Store.CallInPendingBatch(ctx, cid)
	if perr != nil {
		return model.ParsedResponse{}, perr
	}
	if pending {
		return model.ParsedResponse{}, ErrNotAvailable
	}

	b.mu.Lock()
	for _, l := range b.buffer {
		if l.cid.Matches(cid) {
			b.mu.Unlock()
			return model.ParsedResponse{}, ErrNotAvailable
		}
	}
	b.mu.Unlock()

	return model.ParsedResponse{}, err
}

// Persist implements Backend. The buffer is intentionally not flushed to
// jobs here; only ExecuteBatch submits.
func (b *BatchBackend) Persist(ctx context.Context) error {
	b.cfg.Metrics.RecordPersist()
	return b.cfg.Store.Persist(ctx)
}

// Shutdown implements Backend.
func (b *BatchBackend) Shutdown(context.Context) error {
	return nil
}

var _ Backend = (*BatchBackend)(nil)
