package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{
		Session:    3,
		Agent:      "reviewer",
		Seq:        2,
		Checkpoint: "draft",
		Kind:       KindCacheHit,
		Meta:       map[string]interface{}{"doc_hash": "abc123"},
	})

	out := buf.String()
	for _, want := range []string{"[cache_hit]", "session=3", "agent=reviewer", "seq=2", "checkpoint=draft", "doc_hash"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got %q", want, out)
		}
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	e.Emit(Event{Session: 1, Agent: "a", Kind: KindCacheMiss})

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["kind"] != "cache_miss" {
		t.Errorf("expected kind cache_miss, got %v", decoded["kind"])
	}
	if decoded["agent"] != "a" {
		t.Errorf("expected agent a, got %v", decoded["agent"])
	}
}

func TestBufferedEmitterDropOldest(t *testing.T) {
	e := NewBufferedEmitterCap(2)

	e.Emit(Event{Kind: "first"})
	e.Emit(Event{Kind: "second"})
	e.Emit(Event{Kind: "third"})

	events := e.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != "second" || events[1].Kind != "third" {
		t.Errorf("expected oldest dropped, got %v %v", events[0].Kind, events[1].Kind)
	}
}

func TestBufferedEmitterFilters(t *testing.T) {
	e := NewBufferedEmitter()
	e.Emit(Event{Agent: "a", Kind: KindCacheHit})
	e.Emit(Event{Agent: "b", Kind: KindCacheMiss})
	e.Emit(Event{Agent: "a", Kind: KindCacheMiss})

	if got := len(e.EventsByAgent("a")); got != 2 {
		t.Errorf("expected 2 events for agent a, got %d", got)
	}
	if got := len(e.EventsByKind(KindCacheMiss)); got != 2 {
		t.Errorf("expected 2 cache_miss events, got %d", got)
	}

	e.Clear()
	if got := len(e.Events()); got != 0 {
		t.Errorf("expected empty buffer after clear, got %d", got)
	}
}

func TestNullEmitter(t *testing.T) {
	e := NewNullEmitter()
	e.Emit(Event{Kind: KindSessionOpen})
}
