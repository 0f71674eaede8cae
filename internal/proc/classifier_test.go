package proc

import "testing"

const sampleToken = "123e4567-e89b-12d3-a456-426614174000"

func TestClassifierExtractsJSONSessionID(t *testing.T) {
	c := NewAgentOutputClassifier()
	got := c.Classify([]byte(`{"type":"system","session_id":"` + sampleToken + `"}`))
	if got.ResumeToken != sampleToken {
		t.Fatalf("resume token = %q, want %q", got.ResumeToken, sampleToken)
	}
}

func TestClassifierExtractsPlainSessionID(t *testing.T) {
	c := NewAgentOutputClassifier()
	got := c.Classify([]byte("Session ID: " + sampleToken + "\n"))
	if got.ResumeToken != sampleToken {
		t.Fatalf("resume token = %q, want %q", got.ResumeToken, sampleToken)
	}
}

func TestClassifierHandlesTokenSplitAcrossChunks(t *testing.T) {
	c := NewAgentOutputClassifier()
	whole := `"session_id": "` + sampleToken + `"`
	first := c.Classify([]byte(whole[:20]))
	if first.ResumeToken != "" {
		t.Fatalf("unexpected token from partial chunk: %q", first.ResumeToken)
	}
	second := c.Classify([]byte(whole[20:]))
	if second.ResumeToken != sampleToken {
		t.Fatalf("resume token = %q, want %q", second.ResumeToken, sampleToken)
	}
}

func TestClassifierDetectsIdlePrompt(t *testing.T) {
	c := NewAgentOutputClassifier()
	got := c.Classify([]byte("\x1b[2K\x1b[1G > \x1b[0m\n"))
	if !got.Idle {
		t.Fatal("expected idle for bare prompt line")
	}
	if got.IdlePattern == "" {
		t.Fatal("expected idle pattern to be reported")
	}
}

func TestClassifierDetectsShortcutsHint(t *testing.T) {
	c := NewAgentOutputClassifier()
	got := c.Classify([]byte("  ? for shortcuts"))
	if !got.Idle {
		t.Fatal("expected idle for shortcuts hint")
	}
}

func TestClassifierBusyOutputIsNotIdle(t *testing.T) {
	c := NewAgentOutputClassifier()
	got := c.Classify([]byte("Running tests...\ncompiling package 3 of 12\n"))
	if got.Idle {
		t.Fatal("busy output misclassified as idle")
	}
	if got.ResumeToken != "" {
		t.Fatalf("unexpected resume token %q", got.ResumeToken)
	}
}

func TestClassifierIdleOnlyConsidersRecentOutput(t *testing.T) {
	c := NewAgentOutputClassifier()
	if got := c.Classify([]byte(" > \n")); !got.Idle {
		t.Fatal("expected idle for prompt")
	}
	// Later busy chunks should not stay idle just because the prompt is
	// still inside the rolling window.
	filler := make([]byte, 256)
	for i := range filler {
		filler[i] = 'x'
	}
	c.Classify(filler)
	if got := c.Classify(filler); got.Idle {
		t.Fatal("stale prompt should not mark new output idle")
	}
}
