package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/replaygate/gate/model"
	"github.com/dshills/replaygate/gate/store"
)

func newTestAsyncBackend(t *testing.T, st store.Store, maxConcurrent int) *AsyncBackend {
	t.Helper()
	b := NewAsyncBackend(testConfig(st), maxConcurrent)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func TestAsyncBackendSubmitAndRetrieve(t *testing.T) {
	st := store.NewMemStore()
	b := newTestAsyncBackend(t, st, 4)
	mock := &model.MockAdapter{Responses: []model.ParsedResponse{{Text: "later"}}}

	cid := syncCID("a", 0)
	_, ready, err := b.Submit(context.Background(), mock, cid, model.QueryParams{}, false)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if ready {
		t.Fatal("async submit must not be ready")
	}

	got, err := b.Retrieve(context.Background(), cid)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if got.Text != "later" {
		t.Errorf("expected 'later', got %q", got.Text)
	}

	// The worker wrote it through to the store.
	stored, err := st.Retrieve(context.Background(), cid, false)
	if err != nil {
		t.Fatalf("store retrieve failed: %v", err)
	}
	if stored.Text != "later" {
		t.Errorf("expected stored 'later', got %q", stored.Text)
	}
}

func TestAsyncBackendOutOfOrderCompletion(t *testing.T) {
	st := store.NewMemStore()
	b := newTestAsyncBackend(t, st, 4)

	mock := &model.MockAdapter{
		Responses: []model.ParsedResponse{{Text: "slow answer"}, {Text: "fast answer"}},
		LatencyByText: map[string]time.Duration{
			"slow": 80 * time.Millisecond,
			"fast": 5 * time.Millisecond,
		},
	}

	slowCID := syncCID("slow-agent", 0)
	fastCID := syncCID("fast-agent", 0)
	slowParams := model.QueryParams{Documents: []model.Document{model.Text{Content: "slow"}}}
	fastParams := model.QueryParams{Documents: []model.Document{model.Text{Content: "fast"}}}

	if _, _, err := b.Submit(context.Background(), mock, slowCID, slowParams, false); err != nil {
		t.Fatalf("slow submit failed: %v", err)
	}
	if _, _, err := b.Submit(context.Background(), mock, fastCID, fastParams, false); err != nil {
		t.Fatalf("fast submit failed: %v", err)
	}

	// Retrieving the fast call first must not wait for the slow one.
	start := time.Now()
	got, err := b.Retrieve(context.Background(), fastCID)
	if err != nil {
		t.Fatalf("fast retrieve failed: %v", err)
	}
	if got.Text != "fast answer" {
		t.Errorf("expected 'fast answer', got %q", got.Text)
	}
	if elapsed := time.Since(start); elapsed > 60*time.Millisecond {
		t.Errorf("fast retrieve waited on the slow task: %v", elapsed)
	}

	got, err = b.Retrieve(context.Background(), slowCID)
	if err != nil {
		t.Fatalf("slow retrieve failed: %v", err)
	}
	if got.Text != "slow answer" {
		t.Errorf("expected 'slow answer', got %q", got.Text)
	}
}

func TestAsyncBackendDuplicateSubmit(t *testing.T) {
	st := store.NewMemStore()
	b := newTestAsyncBackend(t, st, 2)
	mock := &model.MockAdapter{
		Responses: []model.ParsedResponse{{Text: "once"}},
		Latency:   30 * time.Millisecond,
	}

	cid := syncCID("a", 0)
	if _, _, err := b.Submit(context.Background(), mock, cid, model.QueryParams{}, false); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if _, _, err := b.Submit(context.Background(), mock, cid, model.QueryParams{}, false); err != nil {
		t.Fatalf("duplicate submit failed: %v", err)
	}

	if _, err := b.Retrieve(context.Background(), cid); err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if n := mock.CallCount(); n != 1 {
		t.Errorf("expected a single provider call for duplicate submits, got %d", n)
	}
}

func TestAsyncBackendFailedCall(t *testing.T) {
	st := store.NewMemStore()
	b := newTestAsyncBackend(t, st, 2)
	mock := &model.MockAdapter{Err: errors.New("boom")}

	cid := syncCID("a", 0)
	if _, _, err := b.Submit(context.Background(), mock, cid, model.QueryParams{}, false); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if _, err := b.Retrieve(context.Background(), cid); err == nil {
		t.Fatal("expected retrieve to surface the provider failure")
	}
	if got := st.Errors(); len(got) != 1 {
		t.Errorf("expected one recorded error, got %v", got)
	}
}

func TestAsyncBackendPersistDrains(t *testing.T) {
	st := store.NewMemStore()
	b := newTestAsyncBackend(t, st, 4)
	mock := &model.MockAdapter{
		Responses: []model.ParsedResponse{{Text: "a"}, {Text: "b"}},
		Latency:   20 * time.Millisecond,
	}

	if _, _, err := b.Submit(context.Background(), mock, syncCID("a", 0), model.QueryParams{}, false); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, _, err := b.Submit(context.Background(), mock, syncCID("b", 0), model.QueryParams{}, false); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if err := b.Persist(context.Background()); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	if st.ResponseCount() != 2 {
		t.Errorf("expected both tasks stored before persist returned, got %d", st.ResponseCount())
	}
	if st.PersistCount() != 1 {
		t.Errorf("expected store persist called once, got %d", st.PersistCount())
	}

	// The backend stays usable after Persist.
	cid := syncCID("c", 0)
	if _, _, err := b.Submit(context.Background(), mock, cid, model.QueryParams{}, false); err != nil {
		t.Fatalf("submit after persist failed: %v", err)
	}
	if _, err := b.Retrieve(context.Background(), cid); err != nil {
		t.Fatalf("retrieve after persist failed: %v", err)
	}
}

func TestAsyncBackendShutdown(t *testing.T) {
	st := store.NewMemStore()
	b := NewAsyncBackend(testConfig(st), 2)
	mock := &model.MockAdapter{Responses: []model.ParsedResponse{{Text: "x"}}}

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("double shutdown should be a no-op: %v", err)
	}

	_, _, err := b.Submit(context.Background(), mock, syncCID("a", 0), model.QueryParams{}, false)
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown after shutdown, got %v", err)
	}
}

func TestAsyncBackendRetrieveUnknown(t *testing.T) {
	st := store.NewMemStore()
	b := newTestAsyncBackend(t, st, 2)

	_, err := b.Retrieve(context.Background(), syncCID("nobody", 0))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
