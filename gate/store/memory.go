package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/replaygate/gate/call"
	"github.com/dshills/replaygate/gate/model"
)

// memResponse is one stored row in the in-memory store. Insertion order is
// preserved so oldest-first retrieval matches the SQL stores.
type memResponse struct {
	cid    call.ID
	parsed model.ParsedResponse
}

// memBatchRow mirrors one batch_pending row.
type memBatchRow struct {
	cid       call.ID
	batchUUID string
	customID  string
	pending   bool
}

// memError mirrors one errors row.
type memError struct {
	cid     call.ID
	message string
	code    string
}

// MemStore is an in-memory Store for tests and ephemeral runs. Nothing
// survives Close.
type MemStore struct {
	mu        sync.RWMutex
	responses []memResponse
	batches   []memBatchRow
	errs      []memError
	persists  int
	closed    bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) checkOpen() error {
	if m.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Retrieve implements Store.
func (m *MemStore) Retrieve(_ context.Context, cid call.ID, withMetadata bool) (model.ParsedResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return model.ParsedResponse{}, err
	}

	for _, r := range m.responses {
		if r.cid.Matches(cid) {
			return m.withMeta(r, withMetadata), nil
		}
	}
	for _, r := range m.responses {
		if r.cid.AgentName == cid.AgentName && r.cid.DocHash == cid.DocHash {
			return m.withMeta(r, withMetadata), nil
		}
	}
	return model.ParsedResponse{}, ErrNotFound
}

func (m *MemStore) withMeta(r memResponse, withMetadata bool) model.ParsedResponse {
	parsed := r.parsed
	if !withMetadata {
		parsed.Metadata = nil
	}
	return parsed
}

// Store implements Store.
func (m *MemStore) Store(_ context.Context, cid call.ID, parsed model.ParsedResponse, upsert bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	if upsert {
		for i, r := range m.responses {
			if r.cid.DocHash == cid.DocHash && r.cid.AgentName == cid.AgentName {
				m.responses[i] = memResponse{cid: cid, parsed: parsed}
				return nil
			}
		}
	}
	m.responses = append(m.responses, memResponse{cid: cid, parsed: parsed})
	return nil
}

// StoreError implements Store.
func (m *MemStore) StoreError(_ context.Context, cid call.ID, message, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.errs = append(m.errs, memError{cid: cid, message: message, code: code})
	return nil
}

// Errors returns the recorded provider failures. Test helper.
func (m *MemStore) Errors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.errs))
	for i, e := range m.errs {
		out[i] = e.message
	}
	return out
}

// ResponseCount returns the number of stored response rows. Test helper.
func (m *MemStore) ResponseCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.responses)
}

// PersistCount returns how many times Persist has been called. Test helper.
func (m *MemStore) PersistCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persists
}

// StorePendingBatch implements Store.
func (m *MemStore) StorePendingBatch(_ context.Context, batch PendingBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	for _, e := range batch.Entries {
		m.batches = append(m.batches, memBatchRow{
			cid:       e.CID,
			batchUUID: batch.UUID,
			customID:  e.CustomID,
			pending:   true,
		})
	}
	return nil
}

// StoreReadyBatch implements Store.
func (m *MemStore) StoreReadyBatch(ctx context.Context, uuid string, result model.BatchResult, upsert bool) error {
	m.mu.RLock()
	if err := m.checkOpen(); err != nil {
		m.mu.RUnlock()
		return err
	}
	var (
		cid   call.ID
		found bool
	)
	for _, b := range m.batches {
		if b.customID == result.CustomID && b.batchUUID == uuid {
			cid = b.cid
			found = true
			break
		}
	}
	m.mu.RUnlock()

	if !found {
		return fmt.Errorf("no pending row for custom id %s in batch %s: %w", result.CustomID, uuid, ErrNotFound)
	}
	if result.Parsed == nil {
		return fmt.Errorf("batch result %s has no parsed response", result.CustomID)
	}
	parsed := *result.Parsed
	parsed.CustomID = result.CustomID
	return m.Store(ctx, cid, parsed, upsert)
}

// RetrieveBatchCIDs implements Store.
func (m *MemStore) RetrieveBatchCIDs(_ context.Context, uuid string) ([]call.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var cids []call.ID
	for _, b := range m.batches {
		if b.batchUUID == uuid {
			cids = append(cids, b.cid)
		}
	}
	return cids, nil
}

// ListPendingBatchUUIDs implements Store.
func (m *MemStore) ListPendingBatchUUIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var uuids []string
	for _, b := range m.batches {
		if b.pending && !seen[b.batchUUID] {
			seen[b.batchUUID] = true
			uuids = append(uuids, b.batchUUID)
		}
	}
	return uuids, nil
}

// ClearBatchPending implements Store.
func (m *MemStore) ClearBatchPending(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	for i := range m.batches {
		if m.batches[i].batchUUID == uuid {
			m.batches[i].pending = false
		}
	}
	return nil
}

// CallInPendingBatch implements Store.
func (m *MemStore) CallInPendingBatch(_ context.Context, cid call.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	for _, b := range m.batches {
		if b.pending && b.cid.Matches(cid) {
			return true, nil
		}
	}
	return false, nil
}

// Persist implements Store. In-memory state has no cold tier; the call is
// counted so tests can assert it happened.
func (m *MemStore) Persist(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.persists++
	return nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
