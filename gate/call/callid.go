package call

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/replaygate/gate/model"
)

// ErrBadCustomID is returned when a batch custom-id line key cannot be
// decoded back into the call it describes.
var ErrBadCustomID = errors.New("malformed batch custom id")

// Meta carries auditing fields that ride along with a CallID but never
// participate in cache matching.
type Meta struct {
	// ProviderType records which provider family served (or will serve)
	// the call.
	ProviderType model.Provider `json:"provider_type"`

	// Tag is a free-form user label for filtering and reporting.
	Tag string `json:"tag,omitempty"`
}

// ID identifies one logical request across runs.
//
// Two IDs match for cache lookup iff AgentName, DocHash and SeqID are
// equal. SessionID records which gateway session issued the call and is
// auditing-only: a rerun in a new session produces the same matchable
// identity for the same logical call.
type ID struct {
	// AgentName is the name of the agent that issued the call.
	AgentName string `json:"agent_name"`

	// DocHash is the 64-hex content fingerprint from Hash.
	DocHash string `json:"doc_hash"`

	// SeqID is the per-agent sequence number (anonymous or checkpoint
	// counter) at issue time.
	SeqID int `json:"seq_id"`

	// SessionID is the gateway session counter value at issue time.
	SessionID int `json:"session_id"`

	// Checkpoint is the active checkpoint name at issue time, empty when
	// the call was issued under the anonymous counter. Participates in the
	// batch custom-id, not in matching.
	Checkpoint string `json:"checkpoint,omitempty"`

	// Meta carries auditing-only fields.
	Meta Meta `json:"meta"`
}

// Matches reports whether two IDs name the same logical call. Session,
// checkpoint and meta are ignored.
func (id ID) Matches(other ID) bool {
	return id.AgentName == other.AgentName &&
		id.DocHash == other.DocHash &&
		id.SeqID == other.SeqID
}

// Key returns a compact string form of the matchable identity, usable as a
// map key for live-task tracking.
func (id ID) Key() string {
	return id.AgentName + ":" + id.DocHash + ":" + strconv.Itoa(id.SeqID)
}

// ShortHash returns the truncated doc hash used in logs and events.
// Matching always uses the full hash.
func (id ID) ShortHash() string {
	if len(id.DocHash) > 12 {
		return id.DocHash[:12]
	}
	return id.DocHash
}

// String implements fmt.Stringer with a short form for logs.
func (id ID) String() string {
	return fmt.Sprintf("%s/%s#%d@s%d", id.AgentName, id.ShortHash(), id.SeqID, id.SessionID)
}

// CustomID renders the batch line key for this call:
//
//	<agent_name>-<checkpoint_or_empty>-<session_id>-<seq_id>
//
// The format round-trips through DecodeCustomID and must be unique per
// live batch (the datastore enforces uniqueness on (custom_id, batch_uuid)).
func (id ID) CustomID() string {
	return fmt.Sprintf("%s-%s-%d-%d", id.AgentName, id.Checkpoint, id.SessionID, id.SeqID)
}

// DecodeCustomID parses a batch line key back into the identity fields it
// encodes. Agent names may themselves contain dashes, so parsing proceeds
// from the right: the last two segments are the numeric session and
// sequence ids, the segment before them is the checkpoint (a single
// dash-free segment, possibly empty), and everything remaining is the
// agent name.
//
// The decoded ID carries no DocHash; callers recover the full identity by
// joining against the batch_pending table.
func DecodeCustomID(customID string) (ID, error) {
	parts := strings.Split(customID, "-")
	if len(parts) < 4 {
		return ID{}, fmt.Errorf("%w: %q", ErrBadCustomID, customID)
	}

	seqID, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return ID{}, fmt.Errorf("%w: bad seq id in %q", ErrBadCustomID, customID)
	}
	sessionID, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return ID{}, fmt.Errorf("%w: bad session id in %q", ErrBadCustomID, customID)
	}

	checkpoint := parts[len(parts)-3]
	agent := strings.Join(parts[:len(parts)-3], "-")
	if agent == "" {
		return ID{}, fmt.Errorf("%w: empty agent name in %q", ErrBadCustomID, customID)
	}

	return ID{
		AgentName:  agent,
		SeqID:      seqID,
		SessionID:  sessionID,
		Checkpoint: checkpoint,
	}, nil
}
