// Package backend implements the three execution strategies behind the
// gateway: synchronous calls on the caller goroutine, asynchronous calls
// with out-of-order completion, and deferred batch submission.
//
// A backend never decides whether a call should happen; the agent consults
// the cache first and only submits on a miss. The backend owns throttling,
// provider execution, parsing and the datastore write.
package backend

import (
	"context"
	"errors"

	"github.com/dshills/replaygate/gate/call"
	"github.com/dshills/replaygate/gate/emit"
	"github.com/dshills/replaygate/gate/metrics"
	"github.com/dshills/replaygate/gate/model"
	"github.com/dshills/replaygate/gate/store"
)

// ErrNotAvailable signals that a response is not available yet: the call
// sits in a batch buffer or a pending batch job. Under the batch strategy
// the gateway scope swallows it, ending the agent's turn for this run.
var ErrNotAvailable = errors.New("response not available yet")

// ErrProviderIncompatible is returned when the configured adapter does not
// support the operation a strategy requires (for example an adapter without
// batch support under the batch strategy).
var ErrProviderIncompatible = errors.New("provider does not support this execution strategy")

// Config carries the collaborators every backend shares.
type Config struct {
	// Store is the persistent response cache. Required.
	Store store.Store

	// Emitter receives observability events. Nil defaults to NullEmitter.
	Emitter emit.Emitter

	// Metrics collects Prometheus metrics. Nil records nothing.
	Metrics *metrics.Metrics

	// Session is the current gateway session counter, stamped on events.
	Session int
}

func (c *Config) emitter() emit.Emitter {
	if c.Emitter == nil {
		return emit.NewNullEmitter()
	}
	return c.Emitter
}

// Backend executes cache-missed calls under one strategy.
type Backend interface {
	// Submit issues the call identified by cid through adapter.
	//
	// When ready is true, parsed holds the response and it has been
	// written to the datastore. When ready is false with a nil error the
	// call is in flight (async) or buffered (batch); Retrieve(cid) blocks
	// on an in-flight call and answers ErrNotAvailable for a buffered or
	// pending-batch one.
	Submit(ctx context.Context, adapter model.Adapter, cid call.ID, params model.QueryParams, upsert bool) (parsed model.ParsedResponse, ready bool, err error)

	// Retrieve returns the response for cid, blocking on a matching live
	// task when one exists. Returns store.ErrNotFound when nothing is
	// stored or in flight, and ErrNotAvailable when the call sits in a
	// pending batch.
	Retrieve(ctx context.Context, cid call.ID) (model.ParsedResponse, error)

	// Persist drains in-flight work and flushes the datastore.
	Persist(ctx context.Context) error

	// Shutdown stops background work. The datastore itself is closed by
	// the gateway, not the backend.
	Shutdown(ctx context.Context) error
}
