package gate

import (
	"errors"

	"github.com/dshills/replaygate/gate/backend"
)

// Control signals. These travel as error values but are not failures: the
// agent scope (Gateway.WithAgent) swallows them, ending the scope early.
var (
	// ErrNotAvailable signals a deferred value under the batch strategy.
	ErrNotAvailable = backend.ErrNotAvailable

	// ErrWrongCheckpoint signals that a checkpoint block does not match
	// the agent's persisted position and was skipped.
	ErrWrongCheckpoint = errors.New("checkpoint does not match")

	// ErrGotoCheckpoint signals that the agent moved to a new checkpoint;
	// the rest of the current scope is skipped.
	ErrGotoCheckpoint = errors.New("moved to next checkpoint")
)

// Failures surfaced to application code.
var (
	// ErrIntegrity reports a cached identity that points at nothing,
	// usually a corrupted or manually edited store.
	ErrIntegrity = errors.New("stored response missing for known call")

	// ErrProviderMismatch reports a request whose resolved identity names
	// a different provider family than the configured adapter.
	ErrProviderMismatch = backend.ErrProviderIncompatible

	// ErrNoAdapter reports a cache miss with no provider adapter
	// configured. Replay-only gateways hit this when the cache is cold.
	ErrNoAdapter = errors.New("no provider adapter configured")

	// ErrUnboundHandle reports resolution of a deserialized handle that
	// was never re-bound to a gateway.
	ErrUnboundHandle = errors.New("handle is not bound to a backend")
)
