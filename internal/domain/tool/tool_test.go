package tool

import (
	"strings"
	"testing"
)

func TestTruncateOutputWithinBudgetUnchanged(t *testing.T) {
	budget := DefaultOutputBudget()
	text := "line one\nline two"
	got := TruncateOutput(text, budget)
	if got != text {
		t.Fatalf("TruncateOutput() = %q, want unchanged %q", got, text)
	}
}

func TestTruncateOutputEnforcesMaxLines(t *testing.T) {
	budget := OutputBudget{MaxLines: 2, MaxLineChars: 100, MaxTotalSize: 10000}
	text := "a\nb\nc\nd"
	got := TruncateOutput(text, budget)
	if !strings.Contains(got, "truncated") {
		t.Fatalf("TruncateOutput() = %q, want a truncation marker", got)
	}
	kept := strings.SplitN(got, "\n[... output truncated", 2)[0]
	if strings.Contains(kept, "c") || strings.Contains(kept, "d") {
		t.Fatalf("TruncateOutput() = %q, should have dropped lines beyond MaxLines", got)
	}
}

func TestTruncateOutputEnforcesMaxLineChars(t *testing.T) {
	budget := OutputBudget{MaxLines: 10, MaxLineChars: 5, MaxTotalSize: 10000}
	got := TruncateOutput("0123456789", budget)
	if !strings.HasPrefix(got, "01234") {
		t.Fatalf("TruncateOutput() = %q, want line clipped to 5 chars", got)
	}
}

func TestTruncateOutputEnforcesTotalSize(t *testing.T) {
	budget := OutputBudget{MaxLines: 100, MaxLineChars: 1000, MaxTotalSize: 10}
	got := TruncateOutput(strings.Repeat("x", 100), budget)
	if !strings.Contains(got, "truncated") {
		t.Fatal("expected truncation marker when total size exceeds budget")
	}
}

func TestResultMarshalJSONIncludesStatus(t *testing.T) {
	r := &Result{Output: "ok", Success: true, Status: StatusOK}
	data, err := r.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if !strings.Contains(string(data), `"status":"ok"`) {
		t.Fatalf("marshaled result missing status field: %s", data)
	}
}

func TestPolicyNeedsConfirmation(t *testing.T) {
	p := &Policy{AskMode: true}
	if p.NeedsConfirmation(KindRead) {
		t.Error("read kind should never need confirmation")
	}
	if !p.NeedsConfirmation(KindExecute) {
		t.Error("execute kind should need confirmation under AskMode")
	}
	p.AskMode = false
	if p.NeedsConfirmation(KindExecute) {
		t.Error("confirmation should not be required when AskMode is off")
	}
}
