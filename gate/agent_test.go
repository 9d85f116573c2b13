package gate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/replaygate/gate/model"
)

func TestWhenCheckpointClaimsFirstName(t *testing.T) {
	gw := openTestGateway(t, t.TempDir(), WithAdapter(&model.MockAdapter{}))
	defer gw.Close()

	ran := []string{}
	err := gw.WithAgent(context.Background(), "writer", func(a *Agent) error {
		if err := a.WhenCheckpoint("draft", func() error {
			ran = append(ran, "draft")
			return nil
		}); err != nil {
			return err
		}
		// A second name never runs: draft is claimed.
		return a.WhenCheckpoint("review", func() error {
			ran = append(ran, "review")
			return nil
		})
	})
	if err != nil {
		t.Fatalf("agent scope failed: %v", err)
	}
	if len(ran) != 1 || ran[0] != "draft" {
		t.Errorf("ran = %v, want [draft]", ran)
	}
}

func TestWhenCheckpointSkipsMismatch(t *testing.T) {
	dir := t.TempDir()
	gw := openTestGateway(t, dir, WithAdapter(&model.MockAdapter{}))

	err := gw.WithAgent(context.Background(), "writer", func(a *Agent) error {
		return a.WhenCheckpoint("draft", func() error { return nil })
	})
	if err != nil {
		t.Fatalf("first scope failed: %v", err)
	}
	gw.Close()

	// A rerun skips non-matching blocks and re-enters the claimed one.
	gw2 := openTestGateway(t, dir, WithAdapter(&model.MockAdapter{}))
	defer gw2.Close()

	ran := []string{}
	err = gw2.WithAgent(context.Background(), "writer", func(a *Agent) error {
		if err := a.WhenCheckpoint("outline", func() error {
			ran = append(ran, "outline")
			return nil
		}); err != nil {
			return err
		}
		return a.WhenCheckpoint("draft", func() error {
			ran = append(ran, "draft")
			return nil
		})
	})
	if err != nil {
		t.Fatalf("rerun scope failed: %v", err)
	}
	if len(ran) != 1 || ran[0] != "draft" {
		t.Errorf("ran = %v, want [draft]", ran)
	}
}

func TestGotoCheckpointAdvances(t *testing.T) {
	dir := t.TempDir()
	mock := &model.MockAdapter{Responses: []model.ParsedResponse{{Text: "x"}}}
	gw := openTestGateway(t, dir, WithAdapter(mock))

	err := gw.WithAgent(context.Background(), "writer", func(a *Agent) error {
		return a.WhenCheckpoint("draft", func() error {
			if _, err := a.AskLLM(context.Background(), Docs("d1")); err != nil {
				return err
			}
			if _, err := a.AskLLM(context.Background(), Docs("d2")); err != nil {
				return err
			}
			return a.GotoCheckpoint("review")
		})
	})
	// The goto signal is swallowed by the scope.
	if err != nil {
		t.Fatalf("goto must not escape the scope, got %v", err)
	}
	gw.Close()

	// The rerun lands in review with the counter carried forward, so the
	// first ask there continues the sequence at 2.
	gw2 := openTestGateway(t, dir, WithAdapter(&model.MockAdapter{Responses: []model.ParsedResponse{{Text: "y"}}}))
	defer gw2.Close()

	var seq int
	draftRan := false
	err = gw2.WithAgent(context.Background(), "writer", func(a *Agent) error {
		if err := a.WhenCheckpoint("draft", func() error {
			draftRan = true
			return nil
		}); err != nil {
			return err
		}
		return a.WhenCheckpoint("review", func() error {
			h, err := a.AskLLM(context.Background(), Docs("r1"))
			if err != nil {
				return err
			}
			seq = h.CallID().SeqID
			return nil
		})
	})
	if err != nil {
		t.Fatalf("rerun scope failed: %v", err)
	}
	if draftRan {
		t.Error("draft must be skipped after goto review")
	}
	if seq != 2 {
		t.Errorf("first review seq = %d, want 2 (carried forward)", seq)
	}
}

func TestCheckpointReplayHitsCache(t *testing.T) {
	dir := t.TempDir()
	mock := &model.MockAdapter{Responses: []model.ParsedResponse{
		{Text: "noise"}, {Text: "inside"},
	}}
	gw := openTestGateway(t, dir, WithAdapter(mock))

	err := gw.WithAgent(context.Background(), "writer", func(a *Agent) error {
		// One anonymous ask before the checkpoint.
		if _, err := a.AskLLM(context.Background(), Docs("pre")); err != nil {
			return err
		}
		return a.WhenCheckpoint("stable", func() error {
			_, err := a.AskLLM(context.Background(), Docs("work item"))
			return err
		})
	})
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	gw.Close()

	// The rerun diverges before the checkpoint (two anonymous asks instead
	// of one) yet the checkpointed ask still replays: its sequence comes
	// from the persisted checkpoint counter, not program position.
	replay := &model.MockAdapter{Responses: []model.ParsedResponse{{Text: "other"}}}
	gw2 := openTestGateway(t, dir, WithAdapter(replay))
	defer gw2.Close()

	err = gw2.WithAgent(context.Background(), "writer", func(a *Agent) error {
		if _, err := a.AskLLM(context.Background(), Docs("different pre")); err != nil {
			return err
		}
		if _, err := a.AskLLM(context.Background(), Docs("more noise")); err != nil {
			return err
		}
		return a.WhenCheckpoint("stable", func() error {
			h, err := a.AskLLM(context.Background(), Docs("work item"))
			if err != nil {
				return err
			}
			text, err := h.Resolve(context.Background())
			if err != nil {
				return err
			}
			if text != "inside" {
				t.Errorf("checkpointed ask got %q, want inside", text)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	// Only the two diverged anonymous asks hit the provider.
	if replay.CallCount() != 2 {
		t.Errorf("expected 2 provider calls on rerun, got %d", replay.CallCount())
	}
}

func TestWhenCheckpointPattern(t *testing.T) {
	dir := t.TempDir()
	gw := openTestGateway(t, dir, WithAdapter(&model.MockAdapter{}))
	defer gw.Close()

	// Pattern blocks never claim; with no checkpoint set they skip.
	err := gw.WithAgent(context.Background(), "writer", func(a *Agent) error {
		if err := a.WhenCheckpointPattern("^step-", func(string) error {
			t.Error("pattern block must skip with no checkpoint set")
			return nil
		}); err != nil {
			return err
		}
		if err := a.WhenCheckpoint("step-3", func() error { return nil }); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("first scope failed: %v", err)
	}

	var matched string
	err = gw.WithAgent(context.Background(), "writer", func(a *Agent) error {
		return a.WhenCheckpointPattern("^step-", func(name string) error {
			matched = name
			return nil
		})
	})
	if err != nil {
		t.Fatalf("pattern scope failed: %v", err)
	}
	if matched != "step-3" {
		t.Errorf("matched = %q, want step-3", matched)
	}
}

func TestWhenCheckpointPatternBadRegexp(t *testing.T) {
	gw := openTestGateway(t, t.TempDir())
	defer gw.Close()

	err := gw.WithAgent(context.Background(), "writer", func(a *Agent) error {
		return a.WhenCheckpointPattern("(", func(string) error { return nil })
	})
	if err == nil {
		t.Fatal("expected an error for a malformed pattern")
	}
}

func TestAskLLMSaltChangesIdentity(t *testing.T) {
	dir := t.TempDir()
	mock := &model.MockAdapter{Responses: []model.ParsedResponse{{Text: "v1"}, {Text: "v2"}}}
	gw := openTestGateway(t, dir, WithAdapter(mock))
	defer gw.Close()

	ask := func(opts ...AskOption) string {
		var text string
		err := gw.WithAgent(context.Background(), "writer", func(a *Agent) error {
			h, err := a.AskLLM(context.Background(), Docs("same"), opts...)
			if err != nil {
				return err
			}
			text, err = h.Resolve(context.Background())
			return err
		})
		if err != nil {
			t.Fatalf("ask failed: %v", err)
		}
		return text
	}

	if got := ask(); got != "v1" {
		t.Errorf("got %q, want v1", got)
	}
	if got := ask(WithSalt("variant-b")); got != "v2" {
		t.Errorf("salted ask got %q, want v2", got)
	}
	// Repeating either form hits its own cache entry.
	if got := ask(); got != "v1" {
		t.Errorf("repeat got %q, want v1", got)
	}
	if got := ask(WithSalt("variant-b")); got != "v2" {
		t.Errorf("salted repeat got %q, want v2", got)
	}
	if mock.CallCount() != 2 {
		t.Errorf("expected 2 provider calls, got %d", mock.CallCount())
	}
}

func TestAskLLMHashByLLM(t *testing.T) {
	dir := t.TempDir()
	mock := &model.MockAdapter{Responses: []model.ParsedResponse{{Text: "from-4o"}, {Text: "from-mini"}}}
	gw := openTestGateway(t, dir, WithAdapter(mock))
	defer gw.Close()

	ask := func(label string) string {
		var text string
		err := gw.WithAgent(context.Background(), "writer", func(a *Agent) error {
			h, err := a.AskLLM(context.Background(), Docs("prompt"),
				WithLLM(label), WithHashBy("llm"))
			if err != nil {
				return err
			}
			text, err = h.Resolve(context.Background())
			return err
		})
		if err != nil {
			t.Fatalf("ask failed: %v", err)
		}
		return text
	}

	if got := ask("gpt-4o"); got != "from-4o" {
		t.Errorf("got %q, want from-4o", got)
	}
	// Switching models with hash-by-llm misses the cache.
	if got := ask("gpt-4o-mini"); got != "from-mini" {
		t.Errorf("got %q, want from-mini", got)
	}
	if got := ask("gpt-4o"); got != "from-4o" {
		t.Errorf("repeat got %q, want from-4o", got)
	}
	if mock.CallCount() != 2 {
		t.Errorf("expected 2 provider calls, got %d", mock.CallCount())
	}
}

func TestAskLLMSaveInput(t *testing.T) {
	gw := openTestGateway(t, t.TempDir(), WithAdapter(&model.MockAdapter{}))
	defer gw.Close()

	var key string
	err := gw.WithAgent(context.Background(), "writer", func(a *Agent) error {
		h, err := a.AskLLM(context.Background(), Docs("archive me"),
			WithInstructions("be brief"), WithSaveInput())
		if err != nil {
			return err
		}
		key = "input-" + h.CallID().CustomID()
		return nil
	})
	if err != nil {
		t.Fatalf("agent scope failed: %v", err)
	}

	data, err := gw.fm.LoadUserData(key)
	if err != nil {
		t.Fatalf("expected archived input under %s: %v", key, err)
	}
	for _, want := range []string{"be brief", "archive me"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("archived input missing %q: %s", want, data)
		}
	}
}

func TestAgentScopeSwallowsControlSignals(t *testing.T) {
	gw := openTestGateway(t, t.TempDir())
	defer gw.Close()

	if err := gw.WithAgent(context.Background(), "w", func(a *Agent) error {
		return ErrGotoCheckpoint
	}); err != nil {
		t.Errorf("ErrGotoCheckpoint must be swallowed, got %v", err)
	}
	if err := gw.WithAgent(context.Background(), "w", func(a *Agent) error {
		return ErrWrongCheckpoint
	}); err != nil {
		t.Errorf("ErrWrongCheckpoint must be swallowed, got %v", err)
	}

	// ErrNotAvailable propagates outside the batch strategy.
	boom := errors.New("boom")
	if err := gw.WithAgent(context.Background(), "w", func(a *Agent) error {
		return boom
	}); !errors.Is(err, boom) {
		t.Errorf("plain errors must propagate, got %v", err)
	}
	if err := gw.WithAgent(context.Background(), "w", func(a *Agent) error {
		return ErrNotAvailable
	}); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("ErrNotAvailable must propagate under sync, got %v", err)
	}
}
