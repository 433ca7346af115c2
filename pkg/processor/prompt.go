package processor

import (
	"fmt"
	"strings"
	"time"

	"github.com/darwin-ops/brain/pkg/models"
)

// systemPrompt frames the model as the orchestrator. Tool semantics live
// in the tool definitions; this covers role and ground rules.
const systemPrompt = `You are the Brain, the orchestrator of an autonomous cloud-operations team.
Each message shows you the state of one event: an anomaly or a user request,
with its conversation so far. Decide the single next step and take it with a
tool call. Ground rules:

- One meaningful action per pass. Dispatch, wait, defer, notify, or close.
- Prefer asking an agent for state before asking it to change anything.
- Destructive or irreversible operations require request_user_approval first.
- Close the event as soon as its business is settled; do not keep it open
  to watch. If follow-up is needed later, defer_event instead.
- If you only need to record reasoning without acting, reply with plain text
  and no tool call.`

// renderContext formats the event for the model. fromTurn 0 renders the
// full context (fresh session); a positive fromTurn renders only the turns
// appended since (delta send on a reused session).
func renderContext(e *models.Event, fromTurn int) string {
	var b strings.Builder

	if fromTurn <= 0 {
		fmt.Fprintf(&b, "EVENT %s\n", e.ID)
		fmt.Fprintf(&b, "source: %s\nstatus: %s\n", e.Source, e.Status)
		if e.Service != "" {
			fmt.Fprintf(&b, "service: %s\n", e.Service)
		}
		fmt.Fprintf(&b, "reason: %s\n", e.Input.Reason)
		if e.Input.Severity != "" {
			fmt.Fprintf(&b, "severity: %s\n", e.Input.Severity)
		}
		if e.Input.Evidence != "" {
			fmt.Fprintf(&b, "initial evidence:\n%s\n", e.Input.Evidence)
		}
		fmt.Fprintf(&b, "created: %s\n\nCONVERSATION\n", e.CreatedAt.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintf(&b, "NEW TURNS on event %s since your last look:\n", e.ID)
	}

	rendered := 0
	for i := range e.Conversation {
		t := &e.Conversation[i]
		if t.Turn <= fromTurn {
			continue
		}
		renderTurn(&b, t)
		rendered++
	}
	if rendered == 0 {
		b.WriteString("(no new turns; re-assess the event and decide the next step)\n")
	}
	return b.String()
}

func renderTurn(b *strings.Builder, t *models.Turn) {
	fmt.Fprintf(b, "[%d] %s/%s", t.Turn, t.Actor, t.Action)
	if t.WaitingFor != "" {
		fmt.Fprintf(b, " (waiting for %s)", t.WaitingFor)
	}
	b.WriteString("\n")
	if t.Thoughts != "" {
		fmt.Fprintf(b, "  thoughts: %s\n", t.Thoughts)
	}
	if t.Result != "" {
		fmt.Fprintf(b, "  result: %s\n", t.Result)
	}
	if t.Plan != "" {
		steps, body := models.ParsePlan(t.Plan)
		for _, s := range steps {
			fmt.Fprintf(b, "  plan step %d: %s\n", s.ID, s.Title)
		}
		if body != "" {
			fmt.Fprintf(b, "  plan: %s\n", body)
		}
	}
	if t.Evidence != "" {
		fmt.Fprintf(b, "  evidence: %s\n", t.Evidence)
	}
}
