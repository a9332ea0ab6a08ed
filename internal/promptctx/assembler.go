package promptctx

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// TaskInfo is what the assembler needs to know about the task being worked.
type TaskInfo struct {
	ID          string
	Kind        string
	Instruction string
	Attempt     int
}

// Prompt is an assembled request context: a system prompt plus a transcript
// of prior rounds.
type Prompt struct {
	System     string
	Transcript []Turn
}

// Compactor summarizes old rounds into a digest. Summarize may fail; the
// assembler always has the deterministic one-line-per-round fallback.
type Compactor interface {
	Summarize(ctx context.Context, input string) (string, error)
}

const historyHeader = "Earlier rounds, summarized:\n"

// Assembler builds the per-round prompt: a stable preamble, the task
// instruction, digests of old rounds, then the last KeepRounds rounds
// verbatim. When the rendered size would exceed Budget, verbatim rounds
// move into the digest oldest-first; a digest that alone overruns the
// budget is cut down to the remaining room. The preamble and the
// instruction are never dropped, so a prompt is never empty.
type Assembler struct {
	Preamble   string
	KeepRounds int
	Budget     int // rough size cap in bytes; 0 disables
	Compactor  Compactor
}

func (a *Assembler) Assemble(ctx context.Context, task TaskInfo, rounds []Round) (Prompt, error) {
	if strings.TrimSpace(task.Instruction) == "" {
		return Prompt{}, fmt.Errorf("task %s has no instruction", task.ID)
	}
	keep := a.KeepRounds
	if keep <= 0 {
		keep = 8
	}

	for {
		verbatim := rounds
		var old []Round
		if len(verbatim) > keep {
			old = verbatim[:len(verbatim)-keep]
			verbatim = verbatim[len(verbatim)-keep:]
		}

		digest := a.digest(ctx, old)
		prompt := a.render(task, digest, verbatim)
		if a.Budget <= 0 || prompt.size() <= a.Budget {
			return prompt, nil
		}
		if keep > 0 {
			// Over budget: push the oldest verbatim round into the digest
			// and try again.
			keep--
			continue
		}
		// Digest-only and still over budget. Cut the digest to the room
		// left after the blocks that never shrink.
		room := a.Budget - a.render(task, "", nil).size() - len(historyHeader) - len(blockJoiner)
		if room <= 2*elisionReserve {
			digest = ""
		} else {
			digest = TruncateResult(digest, room)
		}
		return a.render(task, digest, nil), nil
	}
}

const blockJoiner = "\n\n"

// render concatenates the fixed prompt sections. Order is stable across
// rounds so provider-side prompt caching gets the longest possible prefix.
func (a *Assembler) render(task TaskInfo, digest string, verbatim []Round) Prompt {
	sections := make([]string, 0, 3)
	if preamble := strings.TrimSpace(a.Preamble); preamble != "" {
		sections = append(sections, preamble)
	}
	sections = append(sections, a.taskBlock(task))
	if digest != "" {
		sections = append(sections, historyHeader+digest)
	}

	var transcript []Turn
	for _, round := range verbatim {
		transcript = append(transcript, round.renderVerbatim()...)
	}
	return Prompt{System: strings.Join(sections, blockJoiner), Transcript: transcript}
}

func (a *Assembler) taskBlock(task TaskInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current task %s (kind %s", task.ID, task.Kind)
	if task.Attempt > 1 {
		fmt.Fprintf(&sb, ", attempt %d", task.Attempt)
	}
	sb.WriteString("):\n")
	sb.WriteString(strings.TrimSpace(task.Instruction))
	return sb.String()
}

// digest summarizes old rounds, preferring the compactor and falling back to
// one line per round when it fails or is absent.
func (a *Assembler) digest(ctx context.Context, old []Round) string {
	if len(old) == 0 {
		return ""
	}
	lines := make([]string, 0, len(old))
	for _, round := range old {
		lines = append(lines, round.digestLine())
	}
	fallback := strings.Join(lines, "\n")

	if a.Compactor == nil {
		return fallback
	}
	summary, err := a.Compactor.Summarize(ctx, fallback)
	if err != nil || strings.TrimSpace(summary) == "" {
		return fallback
	}
	return strings.TrimSpace(summary)
}

func (p Prompt) size() int {
	n := len(p.System)
	for _, turn := range p.Transcript {
		n += len(turn.Text)
	}
	return n
}

// elisionReserve is room held back for the elision marker so truncated
// output never exceeds the limit it was given.
const elisionReserve = 48

// TruncateResult caps a tool result before it is stored in round history.
// Oversized results keep the head and tail with an elision marker, since
// both ends tend to carry the useful part. The output is valid UTF-8 when
// the input was, and never longer than limit.
func TruncateResult(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	if limit <= elisionReserve {
		head := limit
		for head > 0 && !utf8.RuneStart(s[head]) {
			head--
		}
		return s[:head]
	}
	keep := limit - elisionReserve
	head := keep * 2 / 3
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	cut := len(s) - (keep - head)
	if cut < head {
		cut = head
	}
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[:head] + fmt.Sprintf("\n... [%d bytes elided] ...\n", cut-head) + s[cut:]
}
