package ledger

import "time"

// callRow is one row of the calls table. Seq is the engine-assigned sequence
// the public report id is derived from. A row stays Provisional from id
// allocation until the record is first saved.
type callRow struct {
	Seq         uint   `gorm:"column:seq;primaryKey;autoIncrement"`
	ReportID    string `gorm:"column:report_id;uniqueIndex;size:32"`
	UID         string `gorm:"column:uid;index;size:36"`
	Provisional bool   `gorm:"column:provisional;index"`

	OpenedAt   time.Time `gorm:"column:opened_at;index"`
	CreatedBy  string    `gorm:"column:created_by;size:128"`
	ModifiedBy string    `gorm:"column:modified_by;size:128"`

	Medium      string `gorm:"column:medium;size:64"`
	Source      string `gorm:"column:source;size:128"`
	Caller      string `gorm:"column:caller;size:256"`
	Location    string `gorm:"column:location;size:256"`
	Code        string `gorm:"column:code;index;size:64"`
	Description string `gorm:"column:description;type:text"`

	Answered   bool       `gorm:"column:answered"`
	AnsweredAt *time.Time `gorm:"column:answered_at"`
	AnsweredBy string     `gorm:"column:answered_by;size:128"`
	Resolved   bool       `gorm:"column:resolved;index"`
	ResolvedAt *time.Time `gorm:"column:resolved_at"`
	ResolvedBy string     `gorm:"column:resolved_by;size:128"`

	Flagged       bool   `gorm:"column:flagged;index"`
	FlagReference string `gorm:"column:flag_reference;size:16"`
	Deleted       bool   `gorm:"column:deleted;index"`
}

func (callRow) TableName() string { return "calls" }

// historyRow is one append-only audit line. There is no foreign key to
// calls: history outlives soft deletion.
type historyRow struct {
	ID        uint      `gorm:"primaryKey"`
	EntryID   string    `gorm:"column:entry_id;uniqueIndex;size:36"`
	RecordID  string    `gorm:"column:record_id;index;size:32"`
	Timestamp time.Time `gorm:"column:timestamp;index"`
	Actor     string    `gorm:"column:actor;size:128"`
	Action    string    `gorm:"column:action;size:16"`
	Details   string    `gorm:"column:details;type:text"`
}

func (historyRow) TableName() string { return "call_history" }

func rowFromRecord(r Record) callRow {
	return callRow{
		ReportID:      r.ID,
		UID:           r.UID,
		OpenedAt:      r.CreatedAt,
		CreatedBy:     r.CreatedBy,
		ModifiedBy:    r.ModifiedBy,
		Medium:        r.Medium,
		Source:        r.Source,
		Caller:        r.Caller,
		Location:      r.Location,
		Code:          r.Code,
		Description:   r.Description,
		Answered:      r.Answered.Status,
		AnsweredAt:    cloneTime(r.Answered.At),
		AnsweredBy:    r.Answered.By,
		Resolved:      r.Resolved.Status,
		ResolvedAt:    cloneTime(r.Resolved.At),
		ResolvedBy:    r.Resolved.By,
		Flagged:       r.Flagged,
		FlagReference: r.FlagReference,
		Deleted:       r.Deleted,
	}
}

func (c callRow) record() Record {
	return Record{
		ID:            c.ReportID,
		UID:           c.UID,
		CreatedAt:     c.OpenedAt.UTC(),
		CreatedBy:     c.CreatedBy,
		ModifiedBy:    c.ModifiedBy,
		Medium:        c.Medium,
		Source:        c.Source,
		Caller:        c.Caller,
		Location:      c.Location,
		Code:          c.Code,
		Description:   c.Description,
		Answered:      Resolution{Status: c.Answered, At: utcTime(c.AnsweredAt), By: c.AnsweredBy},
		Resolved:      Resolution{Status: c.Resolved, At: utcTime(c.ResolvedAt), By: c.ResolvedBy},
		Flagged:       c.Flagged,
		FlagReference: c.FlagReference,
		Deleted:       c.Deleted,
	}
}

func rowFromEntry(e AuditEntry) historyRow {
	return historyRow{
		EntryID:   e.ID,
		RecordID:  e.RecordID,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Action:    string(e.Action),
		Details:   e.Details,
	}
}

func (h historyRow) entry() AuditEntry {
	return AuditEntry{
		ID:        h.EntryID,
		RecordID:  h.RecordID,
		Timestamp: h.Timestamp.UTC(),
		Actor:     h.Actor,
		Action:    Action(h.Action),
		Details:   h.Details,
	}
}

func utcTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
