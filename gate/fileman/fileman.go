// Package fileman manages the gateway's working directory: the advisory
// process lock, the session counter, per-agent checkpoint state, user data
// blobs and the checkpoint event log.
//
// Directory layout under the managed root:
//
//	metadata.json              session counter + per-agent state
//	.filemanager.lock          pid lock file
//	userdata/                  opaque blobs under sanitized names
//	logs/checkpoint_events.tsv checkpoint transition log
//	datastore/datastore.db     response cache
//	datastore/datalake/        archived batch rows
//	datastore/apimeta/         cold-tier response metadata
//	datastore/batch_out/       raw batch output archives
package fileman

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// ErrLocked is returned by Open when another live process holds the
// directory.
var ErrLocked = errors.New("working directory is locked by another process")

const (
	metadataFile = "metadata.json"
	lockFile     = ".filemanager.lock"
	eventLogFile = "checkpoint_events.tsv"
)

// AgentState is the persisted checkpoint position of one agent.
type AgentState struct {
	// LatestCheckpoint is the last checkpoint the agent set, empty before
	// the first GotoCheckpoint.
	LatestCheckpoint string `json:"latest_checkpoint"`

	// CheckpointCounter is the sequence counter value saved with the
	// checkpoint.
	CheckpointCounter int `json:"checkpoint_counter"`
}

// metadata is the on-disk shape of metadata.json.
type metadata struct {
	SessionCounter int                   `json:"session_counter"`
	Agents         map[string]AgentState `json:"agents"`
}

// Manager owns one working directory. At most one live process may hold a
// Manager on a directory; the pid lock enforces it, and a lock held by a
// dead pid is broken on open.
type Manager struct {
	dir string

	mu     sync.Mutex
	meta   metadata
	closed bool
}

// Open acquires the working directory at dir, creating the layout when
// missing, and bumps the session counter. Returns ErrLocked when a live
// process already holds the directory.
func Open(dir string) (*Manager, error) {
	for _, sub := range []string{"", "userdata", "logs", "datastore"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create working directory: %w", err)
		}
	}

	m := &Manager{dir: dir}
	if err := m.acquireLock(); err != nil {
		return nil, err
	}

	if err := m.loadMetadata(); err != nil {
		m.releaseLock()
		return nil, err
	}
	m.meta.SessionCounter++
	if err := m.saveMetadataLocked(); err != nil {
		m.releaseLock()
		return nil, err
	}
	return m, nil
}

// acquireLock creates the pid lock file, breaking a stale lock whose pid is
// no longer alive.
func (m *Manager) acquireLock() error {
	path := m.lockPath()

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return fmt.Errorf("failed to write lock file: %w", werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		pid, perr := readLockPid(path)
		if perr == nil && pidAlive(pid) {
			return fmt.Errorf("%w (pid %d)", ErrLocked, pid)
		}

		// Stale or unreadable lock: break it and retry once.
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return fmt.Errorf("failed to break stale lock: %w", rerr)
		}
	}
	return fmt.Errorf("%w: could not acquire after breaking stale lock", ErrLocked)
}

func readLockPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file: %w", err)
	}
	return pid, nil
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// probes without delivering anything; EPERM still means alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func (m *Manager) releaseLock() {
	_ = os.Remove(m.lockPath())
}

func (m *Manager) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(m.dir, metadataFile))
	if os.IsNotExist(err) {
		m.meta = metadata{Agents: make(map[string]AgentState)}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &m.meta); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	if m.meta.Agents == nil {
		m.meta.Agents = make(map[string]AgentState)
	}
	return nil
}

// saveMetadataLocked writes metadata.json atomically. Caller holds mu or is
// single-threaded during Open.
func (m *Manager) saveMetadataLocked() error {
	data, err := json.MarshalIndent(m.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	path := filepath.Join(m.dir, metadataFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace metadata: %w", err)
	}
	return nil
}

// Close releases the lock. The session counter stays bumped; sessions are
// monotone across the directory's lifetime.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.releaseLock()
	return nil
}

// SessionID returns this manager's session counter value.
func (m *Manager) SessionID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.SessionCounter
}

// AgentState returns the persisted checkpoint state for an agent.
func (m *Manager) AgentState(name string) (AgentState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.meta.Agents[name]
	return st, ok
}

// SetAgentState persists the checkpoint state for an agent.
func (m *Manager) SetAgentState(name string, st AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.Agents[name] = st
	return m.saveMetadataLocked()
}

// Dir returns the managed root directory.
func (m *Manager) Dir() string {
	return m.dir
}

// DatastorePath returns the SQLite database file path.
func (m *Manager) DatastorePath() string {
	return filepath.Join(m.dir, "datastore", "datastore.db")
}

// DatalakeDir returns the batch archive directory.
func (m *Manager) DatalakeDir() string {
	return filepath.Join(m.dir, "datastore", "datalake")
}

// ApimetaDir returns the cold-tier metadata directory.
func (m *Manager) ApimetaDir() string {
	return filepath.Join(m.dir, "datastore", "apimeta")
}

// BatchOutDir returns the raw batch output directory.
func (m *Manager) BatchOutDir() string {
	return filepath.Join(m.dir, "datastore", "batch_out")
}

// SanitizeKey maps an arbitrary user data key to a stable file name: the
// first 64 alphanumeric characters of the key, a dash, and the first 8 hex
// characters of the key's SHA-256. Distinct keys that sanitize to the same
// prefix still get distinct names through the hash suffix.
func SanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		if b.Len() >= 64 {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(key))
	return b.String() + "-" + hex.EncodeToString(sum[:])[:8]
}

// SaveUserData stores an opaque blob under key. Without overwrite, saving
// to an existing key is a silent no-op; replays re-save the same keys and
// must not disturb earlier runs' data.
func (m *Manager) SaveUserData(key string, data []byte, overwrite bool) error {
	path := m.userDataPath(key)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat user data: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write user data: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace user data: %w", err)
	}
	return nil
}

// LoadUserData returns the blob stored under key, or os.ErrNotExist.
func (m *Manager) LoadUserData(key string) ([]byte, error) {
	data, err := os.ReadFile(m.userDataPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read user data %q: %w", key, err)
	}
	return data, nil
}

// HasUserData reports whether a blob exists under key.
func (m *Manager) HasUserData(key string) bool {
	_, err := os.Stat(m.userDataPath(key))
	return err == nil
}

func (m *Manager) userDataPath(key string) string {
	return filepath.Join(m.dir, "userdata", SanitizeKey(key))
}

func (m *Manager) lockPath() string {
	return filepath.Join(m.dir, lockFile)
}

// Checkpoint event types written to the TSV log.
const (
	EventCheckpointEnter = "enter"
	EventCheckpointSet   = "set"
	EventCheckpointGoto  = "goto"
)

// LogCheckpointEvent appends one line to the TSV event log. Fields:
// session_id, event_type, agent_name, checkpoint, seq_id.
func (m *Manager) LogCheckpointEvent(eventType, agent, checkpoint string, seqID int) error {
	m.mu.Lock()
	session := m.meta.SessionCounter
	m.mu.Unlock()

	path := filepath.Join(m.dir, "logs", eventLogFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%d\t%s\t%s\t%s\t%d\n",
		session, eventType, agent, checkpoint, seqID)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("failed to append event log: %w", werr)
	}
	return nil
}
