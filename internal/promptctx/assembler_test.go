package promptctx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

type fakeCompactor struct {
	summary string
	err     error
	calls   int
}

func (f *fakeCompactor) Summarize(ctx context.Context, input string) (string, error) {
	f.calls++
	return f.summary, f.err
}

func makeRounds(n int) []Round {
	rounds := make([]Round, 0, n)
	for i := 0; i < n; i++ {
		rounds = append(rounds, Round{
			Index:    i,
			Response: fmt.Sprintf("thinking about step %d", i),
			ToolCalls: []ToolCallRecord{
				{Name: "task_status", Arguments: `{"id":"task-1"}`, Result: fmt.Sprintf("result %d", i)},
			},
		})
	}
	return rounds
}

func TestAssembleKeepsRecentRoundsVerbatim(t *testing.T) {
	a := &Assembler{Preamble: "You are the orchestrator.", KeepRounds: 2}
	prompt, err := a.Assemble(context.Background(), TaskInfo{ID: "task-1", Kind: "user", Instruction: "do it"}, makeRounds(5))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if !strings.Contains(prompt.System, "You are the orchestrator.") {
		t.Fatal("system prompt missing preamble")
	}
	if !strings.Contains(prompt.System, "do it") {
		t.Fatal("system prompt missing instruction")
	}
	// Rounds 0-2 digested, 3-4 verbatim.
	if !strings.Contains(prompt.System, "round 0:") || !strings.Contains(prompt.System, "round 2:") {
		t.Fatalf("old rounds not digested:\n%s", prompt.System)
	}
	joined := ""
	for _, turn := range prompt.Transcript {
		joined += turn.Text + "\n"
	}
	if !strings.Contains(joined, "thinking about step 3") || !strings.Contains(joined, "thinking about step 4") {
		t.Fatalf("recent rounds not verbatim:\n%s", joined)
	}
	if strings.Contains(joined, "thinking about step 1") {
		t.Fatal("digested round leaked into transcript")
	}
}

func TestAssembleRequiresInstruction(t *testing.T) {
	a := &Assembler{Preamble: "p", KeepRounds: 2}
	if _, err := a.Assemble(context.Background(), TaskInfo{ID: "task-1", Instruction: "  "}, nil); err == nil {
		t.Fatal("expected error for blank instruction")
	}
}

func TestAssembleShrinksToBudget(t *testing.T) {
	rounds := makeRounds(10)
	for i := range rounds {
		rounds[i].Response = strings.Repeat("x", 2000)
	}
	a := &Assembler{Preamble: "preamble", KeepRounds: 8, Budget: 5000}
	prompt, err := a.Assemble(context.Background(), TaskInfo{ID: "task-1", Kind: "user", Instruction: "work"}, rounds)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if prompt.size() > 5000 {
		t.Fatalf("prompt size %d exceeds budget", prompt.size())
	}
	if !strings.Contains(prompt.System, "preamble") || !strings.Contains(prompt.System, "work") {
		t.Fatal("budget squeeze must never drop preamble or instruction")
	}
}

func TestAssembleUsesCompactorWithFallback(t *testing.T) {
	ctx := context.Background()
	task := TaskInfo{ID: "task-1", Kind: "user", Instruction: "go"}

	compactor := &fakeCompactor{summary: "they tried three tools"}
	a := &Assembler{Preamble: "p", KeepRounds: 1, Compactor: compactor}
	prompt, err := a.Assemble(ctx, task, makeRounds(4))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !strings.Contains(prompt.System, "they tried three tools") {
		t.Fatalf("compactor summary not used:\n%s", prompt.System)
	}
	if compactor.calls == 0 {
		t.Fatal("compactor never called")
	}

	// Broken compactor falls back to deterministic digest lines.
	a.Compactor = &fakeCompactor{err: errors.New("model unavailable")}
	prompt, err = a.Assemble(ctx, task, makeRounds(4))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !strings.Contains(prompt.System, "round 0:") {
		t.Fatalf("fallback digest missing:\n%s", prompt.System)
	}
}

func TestTruncateResultKeepsHeadAndTail(t *testing.T) {
	input := strings.Repeat("a", 500) + "MIDDLE" + strings.Repeat("z", 500)
	got := TruncateResult(input, 100)
	if len(got) >= len(input) {
		t.Fatalf("no truncation: %d bytes", len(got))
	}
	if !strings.HasPrefix(got, "aaa") {
		t.Fatal("head lost")
	}
	if !strings.HasSuffix(got, "zzz") {
		t.Fatal("tail lost")
	}
	if !strings.Contains(got, "elided") {
		t.Fatal("missing elision marker")
	}
	if TruncateResult("short", 100) != "short" {
		t.Fatal("under-limit input must pass through")
	}
}

func TestAssembleCapsDigestOnlyPrompt(t *testing.T) {
	rounds := makeRounds(200)
	a := &Assembler{Preamble: "preamble", KeepRounds: 8, Budget: 2000}
	prompt, err := a.Assemble(context.Background(), TaskInfo{ID: "task-1", Kind: "user", Instruction: "work"}, rounds)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if prompt.size() > 2000 {
		t.Fatalf("prompt size %d exceeds budget 2000", prompt.size())
	}
	if !strings.Contains(prompt.System, "preamble") || !strings.Contains(prompt.System, "work") {
		t.Fatal("digest cap must never drop preamble or instruction")
	}
}

func TestTruncateResultStaysWithinLimitAndValidUTF8(t *testing.T) {
	input := strings.Repeat("héllo wörld ", 200)
	for _, limit := range []int{10, 100, 500, len(input) - 1} {
		got := TruncateResult(input, limit)
		if len(got) > limit {
			t.Fatalf("limit %d: output is %d bytes", limit, len(got))
		}
		if !utf8.ValidString(got) {
			t.Fatalf("limit %d: output is not valid UTF-8: %q", limit, got)
		}
	}
}
