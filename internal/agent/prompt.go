package agent

import (
	"fmt"
	"strings"
)

// SystemPrompt is turn 0 of every conversation: the action protocol rules.
const SystemPrompt = `You are a browser automation agent. You control a real Chrome browser by issuing ONE step at a time as JSON.

Available actions:
- {"action":"Navigate","url":"https://..."}
- {"action":"WaitFor","selector":"[data-eid=\"[e0]\"]","timeout_ms":5000}
- {"action":"TypeInto","selector":"[data-eid=\"[e0]\"]","text":"search query"}
- {"action":"Click","selector":"[data-eid=\"[e0]\"]"}
- {"action":"PressKey","key":"Enter"}
- {"action":"Extract","selector":"body","label":"main_content"}
- {"action":"Screenshot"}
- {"action":"NewTab"}
- {"action":"Done","summary":"Completed: found the answer is 42"}

Rules:
1. Return ONLY a single JSON object per response. No markdown, no explanation.
2. Use the [eN] element IDs from the DOM snapshot to target elements. Use selector format: [data-eid="[eN]"]
3. After Navigate, the system will show you the new page DOM. Decide your next step based on what you see.
4. Use TypeInto to fill inputs, then PressKey with "Enter" to submit. Or Click the submit button.
5. When the user's task is accomplished, use Done with a summary of what was achieved.
6. If you encounter an error, try an alternative approach. If stuck after 3 attempts, use Done to explain.
7. Keep steps minimal. Do not over-navigate.`

// TaskPrompt is the user turn that opens a task session.
func TaskPrompt(command string) string {
	return fmt.Sprintf("Task: %s\n\nThe browser is on the current page. What is your next step?", command)
}

// ObservationPrompt renders a page state as the user turn fed back after a step.
func ObservationPrompt(ps PageState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Page URL: %s\nTitle: %s\n\nDOM:\n%s", ps.URL, ps.Title, ps.DOMSnapshot)
	if ps.Error != "" {
		fmt.Fprintf(&b, "\n\nERROR from last step: %s", ps.Error)
	}
	for _, ext := range ps.Extractions {
		fmt.Fprintf(&b, "\n\nExtracted [%s]: %s", ext.Label, ext.Content)
	}
	return b.String()
}
