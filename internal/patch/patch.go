// Package patch applies ordered literal search/replace edits to a diagram
// document. Matching is exact substring matching, never regex: the failure
// message can quote the precise pattern back to the model for
// self-correction.
package patch

import (
	"fmt"
	"strings"
)

// Edit is one transactional search/replace unit inside an ordered sequence.
type Edit struct {
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

// NotFoundError reports the first edit whose search text did not occur in
// the document (as mutated by all prior edits in the same call).
type NotFoundError struct {
	Index     int    // position of the failed edit in the sequence
	Search    string // the literal text that was not found
	Remaining int    // retries the model may still use before falling back
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("edit %d: search text not found: %q", e.Index, truncate(e.Search, 200))
}

// ToolMessage renders the error the way it is surfaced into the model's
// context: it names the unmatched pattern and the retry budget left, and
// tells the model what to do when the budget runs out.
func (e *NotFoundError) ToolMessage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Edit %d failed: the search text was not found in the current diagram:\n%s\n", e.Index+1, e.Search)
	if e.Remaining > 0 {
		fmt.Fprintf(&b, "You may retry edit_diagram with an adjusted search pattern (%d retries remaining).", e.Remaining)
	} else {
		b.WriteString("No retries remaining: regenerate the whole diagram with display_diagram instead.")
	}
	return b.String()
}

// ApplyEdits applies edits strictly in order. Each search must occur in the
// document produced by the prior edits; only the first occurrence is
// replaced. On the first miss it returns a *NotFoundError carrying the edit
// index; edits before it have taken effect in the working buffer, but no
// document is returned, so callers commit all or nothing.
//
// remaining is the retry count propagated into the error for the model's
// benefit; it does not affect matching.
func ApplyEdits(document string, edits []Edit, remaining int) (string, error) {
	out := document
	for i, edit := range edits {
		if edit.Search == "" {
			return "", &NotFoundError{Index: i, Search: edit.Search, Remaining: remaining}
		}
		pos := strings.Index(out, edit.Search)
		if pos < 0 {
			return "", &NotFoundError{Index: i, Search: edit.Search, Remaining: remaining}
		}
		out = out[:pos] + edit.Replace + out[pos+len(edit.Search):]
	}
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
