package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockAdapter is a test implementation of all four adapter interfaces.
//
// Use MockAdapter in tests to exercise backends and agents without making
// actual provider calls. It provides:
//   - Configurable responses, returned in order
//   - Call history tracking
//   - Error injection
//   - Per-call latency injection (for async ordering tests)
//   - Scripted batch results keyed by custom-id
//
// Example usage:
//
//	mock := &MockAdapter{
//	    Responses: []ParsedResponse{{Text: "first"}, {Text: "second"}},
//	}
//	raw, _ := mock.CallSync(ctx, params)
//	parsed, _ := mock.ParseResponse(raw)
//	// parsed.Text == "first"
type MockAdapter struct {
	// Responses contains the sequence of responses to return. Each call
	// consumes the next response; when exhausted, the last one repeats.
	Responses []ParsedResponse

	// Err, if set, is returned by every call instead of a response.
	Err error

	// Latency delays each call by the given duration, honoring context
	// cancellation. Used to simulate slow providers.
	Latency time.Duration

	// LatencyByText optionally overrides Latency per request, keyed by the
	// content of the first text document in the request.
	LatencyByText map[string]time.Duration

	// Identity is the value returned by DefaultIdentity. Zero value
	// defaults to "mock-model" under the openai family so the adapter can
	// stand in for a real provider in agent tests.
	Identity Identity

	// Provider overrides the provider family reported by ProviderType.
	Provider Provider

	// BatchResults are returned by DownloadBatch. When nil, DownloadBatch
	// reports the batch as still running.
	BatchResults []BatchResult

	// Calls tracks every CallSync/CallAsync invocation.
	Calls []QueryParams

	// BatchLines tracks every PrepareBatchLine invocation by custom-id.
	BatchLines map[string][]byte

	// SubmittedPaths tracks the file paths handed to SubmitBatch.
	SubmittedPaths []string

	mu        sync.Mutex
	callIndex int
	batchSeq  int
}

// mockRaw is the opaque raw response the mock hands back; ParseResponse
// unwraps it.
type mockRaw struct {
	parsed ParsedResponse
}

func (m *MockAdapter) nextResponse() ParsedResponse {
	if len(m.Responses) == 0 {
		return ParsedResponse{}
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx]
}

func (m *MockAdapter) latencyFor(p QueryParams) time.Duration {
	if m.LatencyByText != nil {
		for _, d := range p.Documents {
			switch doc := d.(type) {
			case Text:
				if lat, ok := m.LatencyByText[doc.Content]; ok {
					return lat
				}
			case RoleText:
				if lat, ok := m.LatencyByText[doc.Content]; ok {
					return lat
				}
			}
		}
	}
	return m.Latency
}

// CallSync implements SyncCaller.
func (m *MockAdapter) CallSync(ctx context.Context, p QueryParams) (RawResponse, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if lat := m.latencyFor(p); lat > 0 {
		select {
		case <-time.After(lat):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, p)
	if m.Err != nil {
		return nil, m.Err
	}
	return mockRaw{parsed: m.nextResponse()}, nil
}

// CallAsync implements AsyncCaller. The future completes after the
// configured latency on a helper goroutine.
func (m *MockAdapter) CallAsync(ctx context.Context, p QueryParams) (<-chan AsyncResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, p)
	err := m.Err
	var resp ParsedResponse
	if err == nil {
		resp = m.nextResponse()
	}
	m.mu.Unlock()

	lat := m.latencyFor(p)
	ch := make(chan AsyncResult, 1)
	go func() {
		if lat > 0 {
			select {
			case <-time.After(lat):
			case <-ctx.Done():
				ch <- AsyncResult{Err: ctx.Err()}
				return
			}
		}
		if err != nil {
			ch <- AsyncResult{Err: err}
			return
		}
		ch <- AsyncResult{Raw: mockRaw{parsed: resp}}
	}()
	return ch, nil
}

// PrepareBatchLine implements BatchCaller. The line is a small JSON record
// so tests can assert on its shape.
func (m *MockAdapter) PrepareBatchLine(p QueryParams, customID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	line, err := json.Marshal(map[string]string{
		"custom_id": customID,
		"model":     p.LLM.Model,
	})
	if err != nil {
		return nil, err
	}
	if m.BatchLines == nil {
		m.BatchLines = make(map[string][]byte)
	}
	m.BatchLines[customID] = line
	return line, nil
}

// SubmitBatch implements BatchCaller, returning a deterministic UUID per
// submission so tests can assert on cohort contents.
func (m *MockAdapter) SubmitBatch(ctx context.Context, path string, modelName string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return "", m.Err
	}
	m.SubmittedPaths = append(m.SubmittedPaths, path)
	m.batchSeq++
	return fmt.Sprintf("mock-batch-%04d", m.batchSeq), nil
}

// DownloadBatch implements BatchCaller. Returns the scripted BatchResults;
// when none are configured the batch reports as still running.
func (m *MockAdapter) DownloadBatch(ctx context.Context, uuid string) ([]BatchResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if m.BatchResults == nil {
		return nil, fmt.Errorf("mock adapter: batch %s still running", uuid)
	}
	return m.BatchResults, nil
}

// ParseResponse implements Adapter.
func (m *MockAdapter) ParseResponse(raw RawResponse) (ParsedResponse, error) {
	mr, ok := raw.(mockRaw)
	if !ok {
		return ParsedResponse{}, fmt.Errorf("mock adapter: unexpected raw response type %T", raw)
	}
	return mr.parsed, nil
}

// DefaultIdentity implements Adapter.
func (m *MockAdapter) DefaultIdentity() Identity {
	if m.Identity != (Identity{}) {
		return m.Identity
	}
	return Identity{Label: "mock-model", Provider: m.ProviderType(), Model: "mock-model"}
}

// ProviderType implements Adapter. Defaults to the openai family so the
// mock can stand in for a configured provider in agent tests.
func (m *MockAdapter) ProviderType() Provider {
	if m.Provider != ProviderUnknown {
		return m.Provider
	}
	return ProviderOpenAI
}

// CallCount returns the number of sync+async calls made so far.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears call history and rewinds the response sequence.
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
	m.SubmittedPaths = nil
	m.BatchLines = nil
}
