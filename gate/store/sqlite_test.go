package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dshills/replaygate/gate/call"
	"github.com/dshills/replaygate/gate/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	lake, err := NewLake(filepath.Join(dir, "apimeta"), filepath.Join(dir, "datalake"))
	if err != nil {
		t.Fatalf("failed to create lake: %v", err)
	}
	s, err := NewSQLiteStore(filepath.Join(dir, "datastore.db"), lake, 3)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCID(agent, hash string, seq int) call.ID {
	return call.ID{
		AgentName: agent,
		DocHash:   hash,
		SeqID:     seq,
		SessionID: 2,
		Meta:      call.Meta{ProviderType: model.ProviderOpenAI},
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	cid := testCID("writer", "abc123", 0)
	parsed := model.ParsedResponse{
		Text:       "hello",
		ResponseID: "resp-1",
		Metadata:   map[string]interface{}{"model": "gpt-4o", "usage": float64(12)},
		FunctionCalls: []model.FunctionCall{
			{Name: "lookup", Arguments: []byte(`{"q":"go"}`), CallID: "fc-1"},
		},
	}

	if err := s.Store(ctx, cid, parsed, false); err != nil {
		t.Fatalf("failed to store: %v", err)
	}

	got, err := s.Retrieve(ctx, cid, true)
	if err != nil {
		t.Fatalf("failed to retrieve: %v", err)
	}
	if got.Text != "hello" {
		t.Errorf("expected text 'hello', got %q", got.Text)
	}
	if got.ResponseID != "resp-1" {
		t.Errorf("expected response id 'resp-1', got %q", got.ResponseID)
	}
	if got.Metadata["model"] != "gpt-4o" {
		t.Errorf("expected metadata model 'gpt-4o', got %v", got.Metadata["model"])
	}
	if len(got.FunctionCalls) != 1 || got.FunctionCalls[0].Name != "lookup" {
		t.Errorf("unexpected function calls: %+v", got.FunctionCalls)
	}
}

func TestSQLiteStoreRetrieveNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)

	_, err := s.Retrieve(context.Background(), testCID("nobody", "deadbeef", 0), false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreSeqFallback(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, testCID("a", "h1", 5), model.ParsedResponse{Text: "seq five"}, false); err != nil {
		t.Fatalf("failed to store: %v", err)
	}

	// Different seq, same agent and hash: the relaxed filter finds it.
	got, err := s.Retrieve(ctx, testCID("a", "h1", 9), false)
	if err != nil {
		t.Fatalf("failed to retrieve via fallback: %v", err)
	}
	if got.Text != "seq five" {
		t.Errorf("expected 'seq five', got %q", got.Text)
	}

	// Different agent never matches.
	if _, err := s.Retrieve(ctx, testCID("b", "h1", 5), false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other agent, got %v", err)
	}
}

func TestSQLiteStoreOldestWins(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	cid := testCID("a", "h2", 1)
	if err := s.Store(ctx, cid, model.ParsedResponse{Text: "first"}, false); err != nil {
		t.Fatalf("failed to store first: %v", err)
	}
	if err := s.Store(ctx, cid, model.ParsedResponse{Text: "second"}, false); err != nil {
		t.Fatalf("failed to store second: %v", err)
	}

	got, err := s.Retrieve(ctx, cid, false)
	if err != nil {
		t.Fatalf("failed to retrieve: %v", err)
	}
	if got.Text != "first" {
		t.Errorf("expected oldest row 'first', got %q", got.Text)
	}
}

func TestSQLiteStoreStrongMatchBeatsFallback(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, testCID("a", "h3", 0), model.ParsedResponse{Text: "seq zero"}, false); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	if err := s.Store(ctx, testCID("a", "h3", 4), model.ParsedResponse{Text: "seq four"}, false); err != nil {
		t.Fatalf("failed to store: %v", err)
	}

	got, err := s.Retrieve(ctx, testCID("a", "h3", 4), false)
	if err != nil {
		t.Fatalf("failed to retrieve: %v", err)
	}
	if got.Text != "seq four" {
		t.Errorf("expected strong match 'seq four', got %q", got.Text)
	}
}

func TestSQLiteStoreUpsert(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	cid := testCID("a", "h4", 2)
	if err := s.Store(ctx, cid, model.ParsedResponse{Text: "old"}, false); err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	if err := s.Store(ctx, cid, model.ParsedResponse{Text: "new"}, true); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	got, err := s.Retrieve(ctx, cid, false)
	if err != nil {
		t.Fatalf("failed to retrieve: %v", err)
	}
	if got.Text != "new" {
		t.Errorf("expected upserted 'new', got %q", got.Text)
	}

	// Upsert with no existing row behaves like an insert.
	other := testCID("a", "h5", 0)
	if err := s.Store(ctx, other, model.ParsedResponse{Text: "fresh"}, true); err != nil {
		t.Fatalf("failed to upsert-insert: %v", err)
	}
	got, err = s.Retrieve(ctx, other, false)
	if err != nil {
		t.Fatalf("failed to retrieve: %v", err)
	}
	if got.Text != "fresh" {
		t.Errorf("expected 'fresh', got %q", got.Text)
	}
}

func TestSQLiteStoreErrorsNeverHit(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	cid := testCID("a", "h6", 0)
	if err := s.StoreError(ctx, cid, "rate limited", "429"); err != nil {
		t.Fatalf("failed to store error: %v", err)
	}

	if _, err := s.Retrieve(ctx, cid, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("stored error must not satisfy retrieval, got %v", err)
	}
}

func TestSQLiteStoreBatchLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	cid1 := testCID("batcher", "bh1", 0)
	cid2 := testCID("batcher", "bh2", 1)
	batch := PendingBatch{
		UUID: "batch-001",
		Entries: []PendingEntry{
			{CID: cid1, CustomID: "batcher--2-0"},
			{CID: cid2, CustomID: "batcher--2-1"},
		},
	}
	if err := s.StorePendingBatch(ctx, batch); err != nil {
		t.Fatalf("failed to store pending batch: %v", err)
	}

	pending, err := s.CallInPendingBatch(ctx, cid1)
	if err != nil {
		t.Fatalf("failed to check pending: %v", err)
	}
	if !pending {
		t.Error("expected cid1 to be pending")
	}

	uuids, err := s.ListPendingBatchUUIDs(ctx)
	if err != nil {
		t.Fatalf("failed to list pending: %v", err)
	}
	if len(uuids) != 1 || uuids[0] != "batch-001" {
		t.Errorf("unexpected pending uuids: %v", uuids)
	}

	cids, err := s.RetrieveBatchCIDs(ctx, "batch-001")
	if err != nil {
		t.Fatalf("failed to retrieve batch cids: %v", err)
	}
	if len(cids) != 2 || cids[0].DocHash != "bh1" || cids[1].DocHash != "bh2" {
		t.Errorf("unexpected batch cids: %+v", cids)
	}

	result := model.BatchResult{
		Status:   model.BatchReady,
		CustomID: "batcher--2-0",
		Parsed:   &model.ParsedResponse{Text: "batch answer"},
	}
	if err := s.StoreReadyBatch(ctx, "batch-001", result, false); err != nil {
		t.Fatalf("failed to store ready batch: %v", err)
	}

	got, err := s.Retrieve(ctx, cid1, false)
	if err != nil {
		t.Fatalf("failed to retrieve batch answer: %v", err)
	}
	if got.Text != "batch answer" {
		t.Errorf("expected 'batch answer', got %q", got.Text)
	}

	if err := s.ClearBatchPending(ctx, "batch-001"); err != nil {
		t.Fatalf("failed to clear pending: %v", err)
	}
	pending, err = s.CallInPendingBatch(ctx, cid1)
	if err != nil {
		t.Fatalf("failed to recheck pending: %v", err)
	}
	if pending {
		t.Error("expected cid1 to no longer be pending")
	}
}

func TestSQLiteStoreReadyBatchUnknownCustomID(t *testing.T) {
	s := newTestSQLiteStore(t)

	result := model.BatchResult{
		Status:   model.BatchReady,
		CustomID: "ghost--1-0",
		Parsed:   &model.ParsedResponse{Text: "orphan"},
	}
	err := s.StoreReadyBatch(context.Background(), "no-such-batch", result, false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown custom id, got %v", err)
	}
}

func TestSQLiteStorePersistColdTier(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	cid := testCID("archiver", "ah1", 0)
	parsed := model.ParsedResponse{
		Text:     "to be archived",
		Metadata: map[string]interface{}{"usage": float64(9)},
	}
	if err := s.Store(ctx, cid, parsed, false); err != nil {
		t.Fatalf("failed to store: %v", err)
	}

	if err := s.Persist(ctx); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}

	// Metadata survives archival and is served from the cold tier.
	got, err := s.Retrieve(ctx, cid, true)
	if err != nil {
		t.Fatalf("failed to retrieve after persist: %v", err)
	}
	if got.Text != "to be archived" {
		t.Errorf("expected response text to survive persist, got %q", got.Text)
	}
	if got.Metadata["usage"] != float64(9) {
		t.Errorf("expected cold-tier metadata usage 9, got %v", got.Metadata["usage"])
	}

	// A second persist with nothing hot is a no-op.
	if err := s.Persist(ctx); err != nil {
		t.Fatalf("second persist failed: %v", err)
	}
}

func TestSQLiteStorePersistArchivesOldBatches(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	// Session 2 batch, store opened at session 3, so it is archivable once
	// no longer pending.
	cid := testCID("batcher", "old1", 0)
	batch := PendingBatch{
		UUID:    "batch-old",
		Entries: []PendingEntry{{CID: cid, CustomID: "batcher--2-0"}},
	}
	if err := s.StorePendingBatch(ctx, batch); err != nil {
		t.Fatalf("failed to store pending batch: %v", err)
	}
	if err := s.ClearBatchPending(ctx, "batch-old"); err != nil {
		t.Fatalf("failed to clear pending: %v", err)
	}

	if err := s.Persist(ctx); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}

	cids, err := s.RetrieveBatchCIDs(ctx, "batch-old")
	if err != nil {
		t.Fatalf("failed to retrieve batch cids: %v", err)
	}
	if len(cids) != 0 {
		t.Errorf("expected archived batch rows to leave the hot store, got %d", len(cids))
	}
}

func TestSQLiteStoreClose(t *testing.T) {
	s := newTestSQLiteStore(t)

	if err := s.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("double close should be a no-op: %v", err)
	}
	if _, err := s.Retrieve(context.Background(), testCID("a", "h", 0), false); err == nil {
		t.Error("expected error after close")
	}
}
