// Package emit provides pluggable observability for the gateway.
//
// Every significant moment in a request's life emits an Event: cache
// consults, throttle waits, provider calls, batch submissions and
// downloads, checkpoint transitions. Emitters route those events to
// logging, tracing or in-memory buffers without the gateway caring which.
package emit

// Event kinds emitted by the gateway. The Kind field always carries one of
// these; Msg adds free-form detail.
const (
	KindSessionOpen    = "session_open"
	KindSessionClose   = "session_close"
	KindCacheHit       = "cache_hit"
	KindCacheMiss      = "cache_miss"
	KindThrottleWait   = "throttle_wait"
	KindLLMCall        = "llm_call"
	KindLLMError       = "llm_error"
	KindAsyncSubmit    = "async_submit"
	KindAsyncComplete  = "async_complete"
	KindBatchBuffer    = "batch_buffer"
	KindBatchSubmit    = "batch_submit"
	KindBatchDownload  = "batch_download"
	KindCheckpointSet  = "checkpoint_set"
	KindCheckpointGoto = "checkpoint_goto"
	KindPersist        = "persist"
)

// Event is one observability record from gateway execution.
type Event struct {
	// Session is the gateway session counter value.
	Session int

	// Agent names the agent involved, empty for gateway-level events.
	Agent string

	// Seq is the agent's sequence counter at emit time, -1 when no call
	// is in flight.
	Seq int

	// Checkpoint is the active checkpoint name, empty under the anonymous
	// counter.
	Checkpoint string

	// Kind is one of the Kind* constants.
	Kind string

	// Msg is a human-readable description of the event.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "doc_hash": short form of the request fingerprint
	//   - "delay_ms": throttle delay applied
	//   - "batch_uuid": provider batch identifier
	//   - "error": error details
	Meta map[string]interface{}
}

// Emitter receives and processes observability events from the gateway.
//
// Implementations should be non-blocking, thread-safe and resilient: a slow
// or failing emitter must never stall or crash request execution. Emit
// should not panic; internal errors are swallowed or logged internally.
type Emitter interface {
	Emit(event Event)
}
