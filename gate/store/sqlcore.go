package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/replaygate/gate/call"
	"github.com/dshills/replaygate/gate/model"
)

// coldTierProviders are the provider families whose metadata rows move to
// the columnar cold tier on Persist.
var coldTierProviders = []model.Provider{model.ProviderOpenAI, model.ProviderGoogle}

// sqlCore implements the Store DML shared by the SQLite and MySQL
// backends. The two stores differ only in DDL and connection setup; all
// row-level operations use identical placeholder syntax.
type sqlCore struct {
	db        *sql.DB
	lake      *Lake
	sessionID int

	mu     sync.RWMutex
	closed bool
}

func (c *sqlCore) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Retrieve implements Store. Oldest-first: the seq_id strong match runs
// first; an empty result retries without seq_id. Within either filter the
// smallest id wins, which keeps replay deterministic when duplicates exist.
func (c *sqlCore) Retrieve(ctx context.Context, cid call.ID, withMetadata bool) (model.ParsedResponse, error) {
	if err := c.checkOpen(); err != nil {
		return model.ParsedResponse{}, err
	}

	const strong = `
		SELECT id, response, response_id, function_calls_json
		FROM responses
		WHERE agent_name = ? AND doc_hash = ? AND seq_id = ?
		ORDER BY id ASC
		LIMIT 1
	`
	const relaxed = `
		SELECT id, response, response_id, function_calls_json
		FROM responses
		WHERE agent_name = ? AND doc_hash = ?
		ORDER BY id ASC
		LIMIT 1
	`

	var (
		rowID     int64
		text      string
		respID    sql.NullString
		callsJSON sql.NullString
	)

	err := c.db.QueryRowContext(ctx, strong, cid.AgentName, cid.DocHash, cid.SeqID).
		Scan(&rowID, &text, &respID, &callsJSON)
	if err == sql.ErrNoRows {
		err = c.db.QueryRowContext(ctx, relaxed, cid.AgentName, cid.DocHash).
			Scan(&rowID, &text, &respID, &callsJSON)
	}
	if err == sql.ErrNoRows {
		return model.ParsedResponse{}, ErrNotFound
	}
	if err != nil {
		return model.ParsedResponse{}, fmt.Errorf("failed to retrieve response: %w", err)
	}

	parsed := model.ParsedResponse{Text: text, ResponseID: respID.String}
	if callsJSON.Valid && callsJSON.String != "" {
		if err := json.Unmarshal([]byte(callsJSON.String), &parsed.FunctionCalls); err != nil {
			return model.ParsedResponse{}, fmt.Errorf("failed to decode function calls: %w", err)
		}
	}

	if withMetadata {
		meta, err := c.lookupMetadata(ctx, rowID, cid)
		if err != nil {
			return model.ParsedResponse{}, err
		}
		parsed.Metadata = meta
	}

	return parsed, nil
}

// lookupMetadata consults the hot metadata table first, then the cold tier
// by the (agent, seq, session) triple.
func (c *sqlCore) lookupMetadata(ctx context.Context, rowID int64, cid call.ID) (map[string]interface{}, error) {
	const q = `SELECT metadata_json FROM metadata WHERE response_id = ?`

	var metaJSON sql.NullString
	err := c.db.QueryRowContext(ctx, q, rowID).Scan(&metaJSON)
	switch {
	case err == sql.ErrNoRows:
		if c.lake == nil {
			return nil, nil
		}
		row, ok, lerr := c.lake.LookupMetadata(cid.AgentName, int64(cid.SeqID), int64(cid.SessionID))
		if lerr != nil {
			return nil, fmt.Errorf("failed to consult cold tier: %w", lerr)
		}
		if !ok || row.MetadataJSON == "" {
			return nil, nil
		}
		metaJSON = sql.NullString{String: row.MetadataJSON, Valid: true}
	case err != nil:
		return nil, fmt.Errorf("failed to retrieve metadata: %w", err)
	}

	if !metaJSON.Valid || metaJSON.String == "" {
		return nil, nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return meta, nil
}

// Store implements Store. Append by default; with upsert the oldest row
// matching (doc_hash, agent_name) is replaced in place.
func (c *sqlCore) Store(ctx context.Context, cid call.ID, parsed model.ParsedResponse, upsert bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	callsJSON := ""
	if len(parsed.FunctionCalls) > 0 {
		b, err := json.Marshal(parsed.FunctionCalls)
		if err != nil {
			return fmt.Errorf("failed to encode function calls: %w", err)
		}
		callsJSON = string(b)
	}
	metaJSON := ""
	if len(parsed.Metadata) > 0 {
		b, err := json.Marshal(parsed.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metaJSON = string(b)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var rowID int64
	if upsert {
		const oldest = `
			SELECT MIN(id) FROM responses WHERE doc_hash = ? AND agent_name = ?
		`
		var existing sql.NullInt64
		if err = tx.QueryRowContext(ctx, oldest, cid.DocHash, cid.AgentName).Scan(&existing); err != nil {
			return fmt.Errorf("failed to locate upsert target: %w", err)
		}
		if existing.Valid {
			const upd = `
				UPDATE responses
				SET seq_id = ?, session_id = ?, response = ?, response_id = ?, function_calls_json = ?
				WHERE id = ?
			`
			if _, err = tx.ExecContext(ctx, upd,
				cid.SeqID, cid.SessionID, parsed.Text, parsed.ResponseID, callsJSON, existing.Int64); err != nil {
				return fmt.Errorf("failed to upsert response: %w", err)
			}
			rowID = existing.Int64
			const delMeta = `DELETE FROM metadata WHERE response_id = ?`
			if _, err = tx.ExecContext(ctx, delMeta, rowID); err != nil {
				return fmt.Errorf("failed to clear stale metadata: %w", err)
			}
		}
	}

	if rowID == 0 {
		const ins = `
			INSERT INTO responses (agent_name, seq_id, session_id, doc_hash, response, response_id, function_calls_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		var res sql.Result
		res, err = tx.ExecContext(ctx, ins,
			cid.AgentName, cid.SeqID, cid.SessionID, cid.DocHash, parsed.Text, parsed.ResponseID, callsJSON)
		if err != nil {
			return fmt.Errorf("failed to store response: %w", err)
		}
		rowID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read inserted row id: %w", err)
		}
	}

	const insMeta = `
		INSERT INTO metadata (response_id, agent_name, seq_id, session_id, metadata_json, provider_type, tag)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err = tx.ExecContext(ctx, insMeta,
		rowID, cid.AgentName, cid.SeqID, cid.SessionID, metaJSON, string(cid.Meta.ProviderType), cid.Meta.Tag); err != nil {
		return fmt.Errorf("failed to store metadata: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit response: %w", err)
	}
	return nil
}

// StoreError implements Store.
func (c *sqlCore) StoreError(ctx context.Context, cid call.ID, message, code string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	const ins = `
		INSERT INTO errors (agent_name, seq_id, session_id, doc_hash, error_message, error_code, error_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.db.ExecContext(ctx, ins,
		cid.AgentName, cid.SeqID, cid.SessionID, cid.DocHash,
		message, code, uuid.NewString(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store error record: %w", err)
	}
	return nil
}

// StorePendingBatch implements Store.
func (c *sqlCore) StorePendingBatch(ctx context.Context, batch PendingBatch) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const ins = `
		INSERT INTO batch_pending (agent_name, seq_id, session_id, doc_hash, provider_type, batch_uuid, custom_id, is_pending, tag)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
	`
	for _, e := range batch.Entries {
		if _, err = tx.ExecContext(ctx, ins,
			e.CID.AgentName, e.CID.SeqID, e.CID.SessionID, e.CID.DocHash,
			string(e.CID.Meta.ProviderType), batch.UUID, e.CustomID, e.CID.Meta.Tag); err != nil {
			return fmt.Errorf("failed to store pending batch row %s: %w", e.CustomID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending batch: %w", err)
	}
	return nil
}

// StoreReadyBatch implements Store. The custom-id joins the result back to
// the identity recorded at submission time.
func (c *sqlCore) StoreReadyBatch(ctx context.Context, uuid string, result model.BatchResult, upsert bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if result.Parsed == nil {
		return fmt.Errorf("batch result %s has no parsed response", result.CustomID)
	}

	const q = `
		SELECT agent_name, seq_id, session_id, doc_hash, provider_type, tag
		FROM batch_pending
		WHERE custom_id = ? AND batch_uuid = ?
	`
	var (
		cid      call.ID
		provider string
	)
	err := c.db.QueryRowContext(ctx, q, result.CustomID, uuid).
		Scan(&cid.AgentName, &cid.SeqID, &cid.SessionID, &cid.DocHash, &provider, &cid.Meta.Tag)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no pending row for custom id %s in batch %s: %w", result.CustomID, uuid, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to join batch result: %w", err)
	}
	cid.Meta.ProviderType = model.Provider(provider)

	parsed := *result.Parsed
	parsed.CustomID = result.CustomID
	return c.Store(ctx, cid, parsed, upsert)
}

// RetrieveBatchCIDs implements Store.
func (c *sqlCore) RetrieveBatchCIDs(ctx context.Context, uuid string) ([]call.ID, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	const q = `
		SELECT agent_name, seq_id, session_id, doc_hash, provider_type, tag
		FROM batch_pending
		WHERE batch_uuid = ?
		ORDER BY id ASC
	`
	rows, err := c.db.QueryContext(ctx, q, uuid)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cids []call.ID
	for rows.Next() {
		var (
			cid      call.ID
			provider string
		)
		if err := rows.Scan(&cid.AgentName, &cid.SeqID, &cid.SessionID, &cid.DocHash, &provider, &cid.Meta.Tag); err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		cid.Meta.ProviderType = model.Provider(provider)
		cids = append(cids, cid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch rows: %w", err)
	}
	return cids, nil
}

// ListPendingBatchUUIDs implements Store.
func (c *sqlCore) ListPendingBatchUUIDs(ctx context.Context) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	const q = `
		SELECT DISTINCT batch_uuid FROM batch_pending WHERE is_pending = 1 ORDER BY batch_uuid
	`
	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var uuids []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan batch uuid: %w", err)
		}
		uuids = append(uuids, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch uuids: %w", err)
	}
	return uuids, nil
}

// ClearBatchPending implements Store.
func (c *sqlCore) ClearBatchPending(ctx context.Context, uuid string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	const q = `UPDATE batch_pending SET is_pending = 0 WHERE batch_uuid = ?`
	if _, err := c.db.ExecContext(ctx, q, uuid); err != nil {
		return fmt.Errorf("failed to clear pending batch %s: %w", uuid, err)
	}
	return nil
}

// CallInPendingBatch implements Store.
func (c *sqlCore) CallInPendingBatch(ctx context.Context, cid call.ID) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	const q = `
		SELECT COUNT(*) FROM batch_pending
		WHERE agent_name = ? AND doc_hash = ? AND seq_id = ? AND is_pending = 1
	`
	var n int
	if err := c.db.QueryRowContext(ctx, q, cid.AgentName, cid.DocHash, cid.SeqID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check pending membership: %w", err)
	}
	return n > 0, nil
}

// Persist implements Store: cold-tier archival for metadata and completed
// batch rows. The parquet files are written (tmp, fsync, rename) before the
// hot rows are deleted inside the same transaction; a crash in between
// leaves duplicates that the next flush merges away.
func (c *sqlCore) Persist(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.lake == nil {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin persist transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, provider := range coldTierProviders {
		if err = c.flushProvider(ctx, tx, string(provider)); err != nil {
			return err
		}
	}

	if err = c.archiveCompletedBatches(ctx, tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit persist: %w", err)
	}
	return nil
}

func (c *sqlCore) flushProvider(ctx context.Context, tx *sql.Tx, provider string) error {
	const q = `
		SELECT m.response_id, m.agent_name, m.seq_id, m.session_id, m.metadata_json, m.tag, r.response
		FROM metadata m
		JOIN responses r ON r.id = m.response_id
		WHERE m.provider_type = ?
	`
	rows, err := tx.QueryContext(ctx, q, provider)
	if err != nil {
		return fmt.Errorf("failed to select cold-tier candidates: %w", err)
	}

	var (
		meta []MetadataRow
		msgs []MessageRow
		ids  []int64
	)
	for rows.Next() {
		var (
			m    MetadataRow
			text string
		)
		if err := rows.Scan(&m.ResponseID, &m.AgentName, &m.SeqID, &m.SessionID, &m.MetadataJSON, &m.Tag, &text); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan cold-tier candidate: %w", err)
		}
		m.ProviderType = provider
		meta = append(meta, m)
		msgs = append(msgs, MessageRow{
			ResponseID: m.ResponseID,
			AgentName:  m.AgentName,
			SeqID:      m.SeqID,
			SessionID:  m.SessionID,
			Role:       model.RoleAssistant,
			Text:       text,
		})
		ids = append(ids, m.ResponseID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("error iterating cold-tier candidates: %w", err)
	}
	_ = rows.Close()

	if len(meta) == 0 {
		return nil
	}

	// Files first, hot-row delete second; crash in between is tolerated.
	if err := c.lake.FlushMetadata(provider, meta, msgs); err != nil {
		return err
	}

	const del = `DELETE FROM metadata WHERE response_id = ?`
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, del, id); err != nil {
			return fmt.Errorf("failed to delete flushed metadata row: %w", err)
		}
	}
	return nil
}

func (c *sqlCore) archiveCompletedBatches(ctx context.Context, tx *sql.Tx) error {
	const q = `
		SELECT id, agent_name, seq_id, session_id, doc_hash, provider_type, batch_uuid, custom_id, tag
		FROM batch_pending
		WHERE is_pending = 0 AND session_id < ?
	`
	rows, err := tx.QueryContext(ctx, q, c.sessionID)
	if err != nil {
		return fmt.Errorf("failed to select completed batch rows: %w", err)
	}

	var (
		archive []BatchArchiveRow
		ids     []int64
	)
	for rows.Next() {
		var (
			id int64
			r  BatchArchiveRow
		)
		if err := rows.Scan(&id, &r.AgentName, &r.SeqID, &r.SessionID, &r.DocHash,
			&r.ProviderType, &r.BatchUUID, &r.CustomID, &r.Tag); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan completed batch row: %w", err)
		}
		archive = append(archive, r)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("error iterating completed batch rows: %w", err)
	}
	_ = rows.Close()

	if len(archive) == 0 {
		return nil
	}

	if err := c.lake.ArchiveBatchRows(archive); err != nil {
		return err
	}

	const del = `DELETE FROM batch_pending WHERE id = ?`
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, del, id); err != nil {
			return fmt.Errorf("failed to delete archived batch row: %w", err)
		}
	}
	return nil
}

// Close implements Store. Double-close is a no-op.
func (c *sqlCore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}
