package ledger

import (
	"strconv"
	"time"
)

// ExportColumns is the fixed column list of flattened records, in export
// order. Bump ExportVersion when it changes.
var ExportColumns = []string{
	"id", "created_at", "created_by", "modified_by",
	"medium", "source", "caller", "location", "code", "description",
	"answered", "answered_at", "answered_by",
	"resolved", "resolved_at", "resolved_by",
	"flagged", "flag_reference", "deleted",
}

const ExportVersion = 1

const columnTimeLayout = "2006-01-02 15:04:05"

// FlattenRecord renders every column of r as a string. Absent timestamps are
// empty strings.
func FlattenRecord(r Record) map[string]string {
	return map[string]string{
		"id":             r.ID,
		"created_at":     formatColumnTime(&r.CreatedAt),
		"created_by":     r.CreatedBy,
		"modified_by":    r.ModifiedBy,
		"medium":         r.Medium,
		"source":         r.Source,
		"caller":         r.Caller,
		"location":       r.Location,
		"code":           r.Code,
		"description":    r.Description,
		"answered":       strconv.FormatBool(r.Answered.Status),
		"answered_at":    formatColumnTime(r.Answered.At),
		"answered_by":    r.Answered.By,
		"resolved":       strconv.FormatBool(r.Resolved.Status),
		"resolved_at":    formatColumnTime(r.Resolved.At),
		"resolved_by":    r.Resolved.By,
		"flagged":        strconv.FormatBool(r.Flagged),
		"flag_reference": r.FlagReference,
		"deleted":        strconv.FormatBool(r.Deleted),
	}
}

func formatColumnTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(columnTimeLayout)
}
