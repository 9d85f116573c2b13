// Package store provides the persistent response cache behind the gateway.
//
// The datastore is the single source of truth for replay: responses,
// response metadata, pending-batch bookkeeping and provider errors all live
// here. Implementations:
//   - SQLiteStore: the default single-machine store (modernc.org/sqlite)
//   - MySQLStore: a shared store for teams replaying against one cache
//   - MemStore: in-memory, for tests and ephemeral runs
//
// Retrieval is deliberately relaxed about duplicates: when multiple rows
// match an identity, the oldest row (smallest insertion id) always wins, so
// replay stays deterministic even after a buggy run double-wrote.
package store

import (
	"context"
	"errors"

	"github.com/dshills/replaygate/gate/call"
	"github.com/dshills/replaygate/gate/model"
)

// ErrNotFound is returned when no stored response matches the requested
// call identity.
var ErrNotFound = errors.New("not found")

// PendingEntry is one call inside a pending batch.
type PendingEntry struct {
	// CID is the full call identity of the buffered request.
	CID call.ID

	// CustomID is the batch line key (call.ID.CustomID()) that the
	// provider will echo back in results.
	CustomID string
}

// PendingBatch records one submitted batch job awaiting download.
type PendingBatch struct {
	// UUID is the provider-assigned batch job identifier.
	UUID string

	// Entries are the calls submitted in this batch.
	Entries []PendingEntry
}

// Store is the persistence contract the backends and the agent consume.
//
// All implementations are single-writer, many-reader on one machine; the
// file manager's advisory lock keeps other processes off the directory.
// Write transactions are short and single-row, so no cross-table locking
// is needed.
type Store interface {
	// Retrieve returns the cached response for cid, or ErrNotFound.
	//
	// Matching uses (agent_name, doc_hash, seq_id) first and falls back to
	// (agent_name, doc_hash); within either filter the oldest row wins.
	// When withMetadata is true the secondary metadata is joined in,
	// consulting the hot table first and the cold tier second.
	Retrieve(ctx context.Context, cid call.ID, withMetadata bool) (model.ParsedResponse, error)

	// Store persists a parsed response under cid. The default is append:
	// duplicates are permitted. With upsert true, the oldest row matching
	// (doc_hash, agent_name) is replaced in place; when none exists the
	// row is inserted.
	Store(ctx context.Context, cid call.ID, parsed model.ParsedResponse, upsert bool) error

	// StoreError records a provider failure for cid. Errors are kept in a
	// separate table so a cached failure never counts as a cache hit.
	StoreError(ctx context.Context, cid call.ID, message, code string) error

	// StorePendingBatch records a submitted batch and its member calls
	// with is_pending=1.
	StorePendingBatch(ctx context.Context, batch PendingBatch) error

	// StoreReadyBatch joins one downloaded result back to its original
	// call identity via the batch_pending table and stores the parsed
	// response. Results whose custom-id has no pending row are skipped
	// with an error.
	StoreReadyBatch(ctx context.Context, uuid string, result model.BatchResult, upsert bool) error

	// RetrieveBatchCIDs returns the call identities recorded for a batch.
	RetrieveBatchCIDs(ctx context.Context, uuid string) ([]call.ID, error)

	// ListPendingBatchUUIDs returns the UUIDs of batches still pending.
	ListPendingBatchUUIDs(ctx context.Context) ([]string, error)

	// ClearBatchPending marks every row of a batch as no longer pending.
	// Rows are kept for auditing until cold-tier archival.
	ClearBatchPending(ctx context.Context, uuid string) error

	// CallInPendingBatch reports whether cid is a member of any batch that
	// is still pending.
	CallInPendingBatch(ctx context.Context, cid call.ID) (bool, error)

	// Persist flushes buffered state and runs cold-tier archival: metadata
	// rows for the openai and google provider families move to per-provider
	// parquet files, and completed batch rows from prior sessions move to
	// the datalake.
	Persist(ctx context.Context) error

	// Close releases the underlying resources. After Close all operations
	// return an error. Double-close is a no-op.
	Close() error
}
