package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/hession/mnemo/internal/chat"
	"github.com/hession/mnemo/internal/stream"
)

// renderer prints the assistant message of the running turn incrementally
// from the orchestrator's update snapshots.
type renderer struct {
	mu  sync.Mutex
	out io.Writer

	active    bool
	content   int
	reasoning int
	tools     map[string]stream.Phase
	agents    map[string]stream.Phase
	final     *chat.Message
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

// Begin starts rendering a new turn.
func (r *renderer) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = true
	r.content, r.reasoning = 0, 0
	r.tools = make(map[string]stream.Phase)
	r.agents = make(map[string]stream.Phase)
	r.final = nil
	fmt.Fprintf(r.out, "\n%smnemo: %s", colorBlue, colorReset)
}

// Update is the orchestrator's update handler.
func (r *renderer) Update(msg chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active || msg.Role != chat.RoleAssistant {
		return
	}

	if len(msg.ReasoningContent) > r.reasoning {
		fmt.Fprintf(r.out, "%s%s%s", colorGray, msg.ReasoningContent[r.reasoning:], colorReset)
		r.reasoning = len(msg.ReasoningContent)
	}

	for i, tc := range msg.ToolCalls {
		key := tc.ID
		if key == "" {
			key = "#" + strconv.Itoa(i)
		}
		if r.tools[key] == tc.Phase {
			continue
		}
		r.tools[key] = tc.Phase
		fmt.Fprintf(r.out, "\n%s🔧 %s: %s%s", colorYellow, tc.ToolName, phaseLabel(tc.Phase), colorReset)
		if tc.Error != "" {
			fmt.Fprintf(r.out, "%s (%s)%s", colorRed, tc.Error, colorReset)
		}
		fmt.Fprintln(r.out)
	}

	for _, a := range msg.Agents {
		if r.agents[a.Name] == a.Phase {
			continue
		}
		r.agents[a.Name] = a.Phase
		fmt.Fprintf(r.out, "\n%s🤖 %s: %s%s\n", colorCyan, a.Name, phaseLabel(a.Phase), colorReset)
	}

	if len(msg.Content) > r.content {
		fmt.Fprint(r.out, msg.Content[r.content:])
		r.content = len(msg.Content)
	}

	if !msg.IsStreaming {
		final := msg
		r.final = &final
	}
}

// End finishes the turn's output with its sources or its error.
func (r *renderer) End(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.final != nil && len(r.final.CollectedLinks) > 0 {
		fmt.Fprintf(r.out, "\n\n%sSources:%s\n", colorGray, colorReset)
		for i, link := range r.final.CollectedLinks {
			title := link.Title
			if title == "" {
				title = link.URL
			}
			fmt.Fprintf(r.out, "%s  [%d] %s - %s%s\n", colorGray, i+1, title, link.URL, colorReset)
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, chat.ErrTurnAborted):
		fmt.Fprintf(r.out, "\n%s(stopped)%s", colorGray, colorReset)
	default:
		fmt.Fprintf(r.out, "\n%s❌ Error: %v%s", colorRed, err, colorReset)
	}
	fmt.Fprint(r.out, "\n\n")
	r.active = false
}

func phaseLabel(p stream.Phase) string {
	switch p {
	case stream.PhaseStart:
		return "started"
	case stream.PhaseComplete:
		return "done"
	case stream.PhaseError:
		return "failed"
	case "":
		return "running"
	default:
		return string(p)
	}
}
