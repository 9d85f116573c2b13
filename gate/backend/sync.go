package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/replaygate/gate/call"
	"github.com/dshills/replaygate/gate/emit"
	"github.com/dshills/replaygate/gate/model"
)

// SyncBackend executes calls on the caller goroutine: throttle, call,
// parse, store, return. The simplest strategy and the default.
type SyncBackend struct {
	cfg      Config
	throttle *Throttler
}

// NewSyncBackend creates a synchronous backend. throttle may be nil for an
// unthrottled backend.
func NewSyncBackend(cfg Config, throttle *Throttler) *SyncBackend {
	if throttle == nil {
		throttle = NewThrottler(0, 0)
	}
	return &SyncBackend{cfg: cfg, throttle: throttle}
}

// Submit implements Backend. The result is always ready on success.
func (b *SyncBackend) Submit(ctx context.Context, adapter model.Adapter, cid call.ID, params model.QueryParams, upsert bool) (model.ParsedResponse, bool, error) {
	caller, ok := adapter.(model.SyncCaller)
	if !ok {
		return model.ParsedResponse{}, false, fmt.Errorf("%w: %s has no synchronous call support", ErrProviderIncompatible, adapter.ProviderType())
	}

	if err := b.wait(ctx, cid); err != nil {
		return model.ParsedResponse{}, false, err
	}

	b.throttle.RecordRequest()
	b.cfg.Metrics.RecordLLMCall(cid.AgentName, string(adapter.ProviderType()), "sync")
	b.cfg.emitter().Emit(emit.Event{
		Session: b.cfg.Session,
		Agent:   cid.AgentName,
		Seq:     cid.SeqID,
		Kind:    emit.KindLLMCall,
		Meta:    map[string]interface{}{"doc_hash": cid.ShortHash()},
	})

	raw, err := caller.CallSync(ctx, params)
	if err != nil {
		b.recordFailure(ctx, adapter, cid, err)
		return model.ParsedResponse{}, false, fmt.Errorf("provider call failed: %w", err)
	}

	parsed, err := adapter.ParseResponse(raw)
	if err != nil {
		b.recordFailure(ctx, adapter, cid, err)
		return model.ParsedResponse{}, false, fmt.Errorf("failed to parse provider response: %w", err)
	}

	if err := b.cfg.Store.Store(ctx, cid, parsed, upsert); err != nil {
		return model.ParsedResponse{}, false, err
	}
	return parsed, true, nil
}

// wait applies the throttle delay, honoring context cancellation.
func (b *SyncBackend) wait(ctx context.Context, cid call.ID) error {
	delay := b.throttle.CalculateDelay()
	if delay <= 0 {
		return nil
	}

	b.cfg.Metrics.RecordThrottleDelay(delay)
	b.cfg.emitter().Emit(emit.Event{
		Session: b.cfg.Session,
		Agent:   cid.AgentName,
		Seq:     cid.SeqID,
		Kind:    emit.KindThrottleWait,
		Meta:    map[string]interface{}{"delay_ms": delay.Milliseconds()},
	})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *SyncBackend) recordFailure(ctx context.Context, adapter model.Adapter, cid call.ID, cause error) {
	b.cfg.Metrics.RecordLLMError(cid.AgentName, string(adapter.ProviderType()))
	b.cfg.emitter().Emit(emit.Event{
		Session: b.cfg.Session,
		Agent:   cid.AgentName,
		Seq:     cid.SeqID,
		Kind:    emit.KindLLMError,
		Meta:    map[string]interface{}{"error": cause.Error()},
	})
	if err := b.cfg.Store.StoreError(ctx, cid, cause.Error(), errorCode(cause)); err != nil {
		b.cfg.emitter().Emit(emit.Event{
			Session: b.cfg.Session,
			Agent:   cid.AgentName,
			Kind:    emit.KindLLMError,
			Msg:     "failed to record provider error",
			Meta:    map[string]interface{}{"error": err.Error()},
		})
	}
}

// Retrieve implements Backend: straight datastore lookup, nothing is ever
// in flight under the sync strategy.
func (b *SyncBackend) Retrieve(ctx context.Context, cid call.ID) (model.ParsedResponse, error) {
	return b.cfg.Store.Retrieve(ctx, cid, false)
}

// Persist implements Backend.
func (b *SyncBackend) Persist(ctx context.Context) error {
	b.cfg.Metrics.RecordPersist()
	return b.cfg.Store.Persist(ctx)
}

// Shutdown implements Backend. No background work to stop.
func (b *SyncBackend) Shutdown(context.Context) error {
	return nil
}

// errorCode extracts a short classification code from a provider error for
// the errors table. Providers wrap rich error types; the message keeps the
// detail, the code keeps it groupable.
func errorCode(err error) string {
	var apiErr *model.APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &apiErr):
		return apiErr.Code
	default:
		return "provider_error"
	}
}

var _ Backend = (*SyncBackend)(nil)
