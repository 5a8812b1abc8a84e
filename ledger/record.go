package ledger

import "time"

// Resolution is a status/timestamp/actor triple used for both the answered
// and the resolved state of a call. At is nil while Status is false.
type Resolution struct {
	Status bool       `json:"status"`
	At     *time.Time `json:"at,omitempty"`
	By     string     `json:"by"`
}

// Record is one dispatch call. UID is an opaque identity fixed at creation;
// unlike ID it never changes, even when a save has to re-key a record whose
// sequence number was taken by another process first.
type Record struct {
	ID          string    `json:"id"`
	UID         string    `json:"uid"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
	ModifiedBy  string    `json:"modified_by"`
	Medium      string    `json:"medium"`
	Source      string    `json:"source"`
	Caller      string    `json:"caller"`
	Location    string    `json:"location"`
	Code        string    `json:"code"`
	Description string    `json:"description"`

	Answered Resolution `json:"answered"`
	Resolved Resolution `json:"resolved"`

	Flagged       bool   `json:"flagged"`
	FlagReference string `json:"flag_reference"`
	Deleted       bool   `json:"deleted"`
}

// identity is the key used to decide whether two copies describe the same
// call. Records written before UIDs existed fall back to id plus creation
// stamp.
func (r Record) identity() string {
	if r.UID != "" {
		return r.UID
	}
	return r.ID + "|" + r.CreatedBy + "|" + r.CreatedAt.UTC().Format(time.RFC3339Nano)
}

func (r Record) clone() Record {
	out := r
	out.Answered.At = cloneTime(r.Answered.At)
	out.Resolved.At = cloneTime(r.Resolved.At)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Action names the kind of state transition an AuditEntry describes.
type Action string

const (
	ActionCreated   Action = "Created"
	ActionModified  Action = "Modified"
	ActionResolved  Action = "Resolved"
	ActionDeleted   Action = "Deleted"
	ActionRestored  Action = "Restored"
	ActionFlagged   Action = "Flagged"
	ActionUnflagged Action = "Unflagged"
)

// AuditEntry is one immutable history line. ID is a UUID so that histories
// written by different processes can be merged without duplicates.
type AuditEntry struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    Action    `json:"action"`
	Details   string    `json:"details,omitempty"`
}
