package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"opsagent/pkg/tgui"
)

// maxCompareRunes bounds each page version sent to the model.
const maxCompareRunes = 30000

// Change is the model's verdict on two versions of a page.
type Change struct {
	Meaningful bool   `json:"has_meaningful_change"`
	Summary    string `json:"summary"`
}

// ChangePrompt asks for a JSON verdict on oldText versus newText.
func ChangePrompt(oldText, newText string) string {
	return fmt.Sprintf(`You are a website monitoring assistant. Decide whether there are meaningful changes between the old and new page content below.
Ignore minor changes like timestamps, CSRF tokens, dynamic ads or slight formatting differences.

Return STRICT JSON with two keys:
"has_meaningful_change": boolean
"summary": concise summary of the changes, or null when there are none

OLD CONTENT:
%s

NEW CONTENT:
%s
`, tgui.TruncRunes(oldText, maxCompareRunes), tgui.TruncRunes(newText, maxCompareRunes))
}

// CompareContent asks the model whether a page changed in a way worth an alert.
func (o *Ollama) CompareContent(ctx context.Context, oldText, newText string) (Change, error) {
	raw, err := o.chat(ctx, []Message{{Role: "user", Content: ChangePrompt(oldText, newText)}}, "json")
	if err != nil {
		return Change{}, err
	}
	return ParseChange(raw), nil
}

// ParseChange reads a verdict. A reply without a usable JSON object is
// treated as a summary unless it says there is no meaningful change.
func ParseChange(raw string) Change {
	if obj, ok := FirstObject(raw); ok {
		var c Change
		if err := json.Unmarshal([]byte(obj), &c); err == nil {
			if !c.Meaningful {
				return Change{}
			}
			c.Summary = strings.TrimSpace(c.Summary)
			return c
		}
	}
	text := strings.TrimSpace(raw)
	if text == "" || strings.Contains(strings.ToLower(text), "no meaningful change") {
		return Change{}
	}
	return Change{Meaningful: true, Summary: text}
}
