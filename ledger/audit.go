package ledger

import (
	"fmt"
	"strings"
)

// TrackedField describes one record field the auditor compares.
// Summary fields are logged as "<Name> was updated." instead of printing
// their old and new values.
type TrackedField struct {
	Name    string
	Value   func(Record) string
	Summary bool
}

// DefaultTrackedFields are the operator-editable fields. Resolution changes
// are not listed here; the Store describes those itself.
var DefaultTrackedFields = []TrackedField{
	{Name: "Medium", Value: func(r Record) string { return r.Medium }},
	{Name: "Source", Value: func(r Record) string { return r.Source }},
	{Name: "Caller", Value: func(r Record) string { return r.Caller }},
	{Name: "Location", Value: func(r Record) string { return r.Location }},
	{Name: "Code", Value: func(r Record) string { return r.Code }},
	{Name: "Description", Value: func(r Record) string { return strings.TrimSpace(r.Description) }, Summary: true},
	{Name: "Answered", Value: func(r Record) string { return formatBool(r.Answered.Status) }},
	{Name: "AnsweredBy", Value: func(r Record) string { return r.Answered.By }},
}

// Diff returns one line per tracked field whose value differs between
// before and after, in the order of fields. It does not modify its inputs.
func Diff(before, after Record, fields []TrackedField) []string {
	var lines []string
	for _, f := range fields {
		old, cur := f.Value(before), f.Value(after)
		if old == cur {
			continue
		}
		if f.Summary {
			lines = append(lines, f.Name+" was updated.")
			continue
		}
		lines = append(lines, changeLine(f.Name, old, cur))
	}
	return lines
}

func changeLine(name, old, cur string) string {
	return fmt.Sprintf("%s: '%s' -> '%s'", name, old, cur)
}

// joinDetails renders diff lines as a single audit details string.
func joinDetails(lines []string) string {
	return strings.Join(lines, "; ")
}
