package eval

import (
	"github.com/rulesift/rulesift/ast"
	"github.com/rulesift/rulesift/record"
)

// Result is the outcome of applying one expression to a batch.
type Result struct {
	// Matches keeps the input order and is never nil.
	Matches     []record.Record `json:"matches"`
	Diagnostics []Diagnostic    `json:"diagnostics"`
	Scanned     int             `json:"scanned"`
}

// Collect evaluates expr against every record once, in order, and returns
// the records that satisfy it.
func Collect(records []record.Record, expr ast.Expr) Result {
	diags := &Diagnostics{}
	matches := make([]record.Record, 0)
	for _, rec := range records {
		if Evaluate(rec, expr, diags) {
			matches = append(matches, rec)
		}
	}
	return Result{
		Matches:     matches,
		Diagnostics: diags.Items(),
		Scanned:     len(records),
	}
}

// IDs returns the identifiers of the matched records.
func (r Result) IDs() []int64 {
	ids := make([]int64, 0, len(r.Matches))
	for _, rec := range r.Matches {
		ids = append(ids, rec.ID)
	}
	return ids
}
