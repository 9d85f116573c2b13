package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// MetadataRow is the cold-tier shape of one metadata record. Mirrors the
// hot metadata table; response text is archived separately in MessageRow.
type MetadataRow struct {
	ResponseID   int64  `parquet:"response_id"`
	AgentName    string `parquet:"agent_name"`
	SeqID        int64  `parquet:"seq_id"`
	SessionID    int64  `parquet:"session_id"`
	ProviderType string `parquet:"provider_type"`
	Tag          string `parquet:"tag"`
	MetadataJSON string `parquet:"metadata_json"`
}

// MessageRow is a denormalized copy of the response text flushed alongside
// the metadata, so analytics over the cold tier never need the hot store.
type MessageRow struct {
	ResponseID int64  `parquet:"response_id"`
	AgentName  string `parquet:"agent_name"`
	SeqID      int64  `parquet:"seq_id"`
	SessionID  int64  `parquet:"session_id"`
	Role       string `parquet:"role"`
	Text       string `parquet:"text"`
}

// BatchArchiveRow is the cold-tier shape of one completed batch_pending row.
type BatchArchiveRow struct {
	AgentName    string `parquet:"agent_name"`
	SeqID        int64  `parquet:"seq_id"`
	SessionID    int64  `parquet:"session_id"`
	DocHash      string `parquet:"doc_hash"`
	ProviderType string `parquet:"provider_type"`
	BatchUUID    string `parquet:"batch_uuid"`
	CustomID     string `parquet:"custom_id"`
	Tag          string `parquet:"tag"`
}

// Lake owns the cold-tier columnar files under the datastore directory:
//
//	apimeta/<provider>-responses.parquet   metadata rows per provider
//	apimeta/<provider>-messages.parquet    response text per provider
//	datalake/batch-archive-<stamp>.parquet completed batch rows
//
// Flushes are atomic at the file level: write to a temp file in the same
// directory, fsync, then rename over the destination. A crash between the
// rename and the hot-row delete leaves duplicate rows, which the merge
// tolerates: rows are keyed by (agent, seq, session) and re-flushing the
// same key is idempotent.
type Lake struct {
	apimetaDir  string
	datalakeDir string
}

// NewLake creates a Lake rooted at the given directories, creating them if
// needed.
func NewLake(apimetaDir, datalakeDir string) (*Lake, error) {
	for _, dir := range []string{apimetaDir, datalakeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cold-tier directory %s: %w", dir, err)
		}
	}
	return &Lake{apimetaDir: apimetaDir, datalakeDir: datalakeDir}, nil
}

func (l *Lake) responsesPath(provider string) string {
	return filepath.Join(l.apimetaDir, provider+"-responses.parquet")
}

func (l *Lake) messagesPath(provider string) string {
	return filepath.Join(l.apimetaDir, provider+"-messages.parquet")
}

// FlushMetadata merges the given rows into the per-provider parquet files.
// Existing rows are read back, deduplicated against the incoming rows by
// (agent, seq, session), and the union is rewritten atomically.
func (l *Lake) FlushMetadata(provider string, meta []MetadataRow, msgs []MessageRow) error {
	if len(meta) == 0 && len(msgs) == 0 {
		return nil
	}

	existingMeta, err := readParquet[MetadataRow](l.responsesPath(provider))
	if err != nil {
		return fmt.Errorf("failed to read existing metadata cold tier: %w", err)
	}
	existingMsgs, err := readParquet[MessageRow](l.messagesPath(provider))
	if err != nil {
		return fmt.Errorf("failed to read existing messages cold tier: %w", err)
	}

	seen := make(map[string]bool, len(meta))
	for _, r := range meta {
		seen[metaKey(r.AgentName, r.SeqID, r.SessionID)] = true
	}
	merged := meta
	for _, r := range existingMeta {
		if !seen[metaKey(r.AgentName, r.SeqID, r.SessionID)] {
			merged = append(merged, r)
		}
	}

	seenMsg := make(map[string]bool, len(msgs))
	for _, r := range msgs {
		seenMsg[metaKey(r.AgentName, r.SeqID, r.SessionID)] = true
	}
	mergedMsgs := msgs
	for _, r := range existingMsgs {
		if !seenMsg[metaKey(r.AgentName, r.SeqID, r.SessionID)] {
			mergedMsgs = append(mergedMsgs, r)
		}
	}

	if err := writeParquetAtomic(l.responsesPath(provider), merged); err != nil {
		return fmt.Errorf("failed to flush metadata cold tier: %w", err)
	}
	if err := writeParquetAtomic(l.messagesPath(provider), mergedMsgs); err != nil {
		return fmt.Errorf("failed to flush messages cold tier: %w", err)
	}
	return nil
}

// LookupMetadata searches the cold tier for a metadata row by the
// (agent, seq, session) triple. The response_id column is carried but is
// never the join key: it is optional in the hot schema and not unique.
func (l *Lake) LookupMetadata(agentName string, seqID, sessionID int64) (MetadataRow, bool, error) {
	entries, err := os.ReadDir(l.apimetaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return MetadataRow{}, false, nil
		}
		return MetadataRow{}, false, err
	}

	want := metaKey(agentName, seqID, sessionID)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "-responses.parquet") {
			continue
		}
		rows, err := readParquet[MetadataRow](filepath.Join(l.apimetaDir, e.Name()))
		if err != nil {
			return MetadataRow{}, false, err
		}
		for _, r := range rows {
			if metaKey(r.AgentName, r.SeqID, r.SessionID) == want {
				return r, true, nil
			}
		}
	}
	return MetadataRow{}, false, nil
}

// ArchiveBatchRows appends completed batch rows to a stamped archive file
// in the datalake directory.
func (l *Lake) ArchiveBatchRows(rows []BatchArchiveRow) error {
	if len(rows) == 0 {
		return nil
	}
	name := fmt.Sprintf("batch-archive-%s.parquet", time.Now().UTC().Format("20060102T150405"))
	if err := writeParquetAtomic(filepath.Join(l.datalakeDir, name), rows); err != nil {
		return fmt.Errorf("failed to archive batch rows: %w", err)
	}
	return nil
}

func metaKey(agent string, seq, session int64) string {
	return fmt.Sprintf("%s\x00%d\x00%d", agent, seq, session)
}

// readParquet loads all rows of a parquet file; a missing file is an empty
// result, not an error.
func readParquet[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet file %s: %w", path, err)
	}
	return rows, nil
}

// writeParquetAtomic writes rows to a temp file, fsyncs, then renames over
// the destination.
func writeParquetAtomic[T any](path string, rows []T) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp parquet file: %w", err)
	}
	tmpName := tmp.Name()

	w := parquet.NewGenericWriter[T](tmp)
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("failed to write parquet rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync parquet file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close parquet file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename parquet file into place: %w", err)
	}
	return nil
}
