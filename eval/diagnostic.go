package eval

import "fmt"

// DiagnosticKind classifies a non-fatal evaluation problem.
type DiagnosticKind string

const (
	DiagUnknownField DiagnosticKind = "unknown_field"
	DiagTypeMismatch DiagnosticKind = "type_mismatch"
	DiagMalformed    DiagnosticKind = "malformed_expression"
)

// Diagnostic is recorded next to a false comparison result.
type Diagnostic struct {
	RecordID int64          `json:"record_id"`
	Kind     DiagnosticKind `json:"kind"`
	Field    string         `json:"field,omitempty"`
	Message  string         `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("record %d: %s: %s", d.RecordID, d.Kind, d.Message)
}

// Diagnostics accumulates diagnostics for one evaluation call. A nil
// *Diagnostics discards everything reported to it.
type Diagnostics struct {
	items []Diagnostic
}

// Report records a diagnostic.
func (d *Diagnostics) Report(diag Diagnostic) {
	if d == nil {
		return
	}
	d.items = append(d.items, diag)
}

// Len returns the number of recorded diagnostics.
func (d *Diagnostics) Len() int {
	if d == nil {
		return 0
	}
	return len(d.items)
}

// Items returns a copy of the recorded diagnostics, never nil.
func (d *Diagnostics) Items() []Diagnostic {
	if d == nil {
		return []Diagnostic{}
	}
	out := make([]Diagnostic, len(d.items))
	copy(out, d.items)
	return out
}
