package ledger

import (
	"context"
	"sort"
)

// Snapshot is a self-contained copy of the record collection, its audit
// history and the sequence counter.
type Snapshot struct {
	Prefix  string
	Counter int
	Records []Record
	History []AuditEntry
}

// Backend persists snapshots.
//
// Save returns the collection that is persisted after the call, which may
// contain records written by other processes. Load returns ErrNotFound when
// the target does not exist yet. Both wrap ErrPersist on I/O or encoding
// failures.
type Backend interface {
	Name() string
	Save(ctx context.Context, snap *Snapshot) (*Snapshot, error)
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

func (s *Snapshot) ids() []string {
	out := make([]string, 0, len(s.Records))
	for _, r := range s.Records {
		out = append(out, r.ID)
	}
	return out
}

type mergeStats struct {
	adopted int
	renamed map[string]string
}

// reconcile merges theirs, the copy that is already persisted, into ours.
//
// Records are matched by identity, not by id. A matched record keeps our
// content under their id; records only they have are adopted as-is; records
// only we have are kept, and re-keyed with nextID when their id is already
// taken by a different call. History is the union of both sides by entry id,
// with our entries following any re-keying, ordered by timestamp.
func reconcile(ours, theirs *Snapshot, nextID func() (string, error)) (*Snapshot, mergeStats, error) {
	stats := mergeStats{renamed: make(map[string]string)}
	out := &Snapshot{
		Prefix:  ours.Prefix,
		Counter: max(ours.Counter, theirs.Counter),
		Records: make([]Record, 0, len(ours.Records)+len(theirs.Records)),
	}

	ourByKey := make(map[string]int, len(ours.Records))
	for i, r := range ours.Records {
		ourByKey[r.identity()] = i
	}

	matched := make(map[int]bool, len(ours.Records))
	taken := make(map[string]bool, len(theirs.Records))
	for _, t := range theirs.Records {
		taken[t.ID] = true
		i, ok := ourByKey[t.identity()]
		if !ok {
			stats.adopted++
			out.Records = append(out.Records, t.clone())
			continue
		}
		matched[i] = true
		r := ours.Records[i].clone()
		if r.ID != t.ID {
			stats.renamed[r.ID] = t.ID
			r.ID = t.ID
		}
		out.Records = append(out.Records, r)
	}

	for i, r := range ours.Records {
		if matched[i] {
			continue
		}
		r = r.clone()
		if taken[r.ID] {
			old := r.ID
			for taken[r.ID] {
				id, err := nextID()
				if err != nil {
					return nil, stats, err
				}
				r.ID = id
			}
			stats.renamed[old] = r.ID
		}
		taken[r.ID] = true
		out.Records = append(out.Records, r)
	}

	seen := make(map[string]bool, len(theirs.History))
	out.History = make([]AuditEntry, 0, len(ours.History)+len(theirs.History))
	for _, e := range theirs.History {
		seen[e.ID] = true
		out.History = append(out.History, e)
	}
	for _, e := range ours.History {
		if seen[e.ID] {
			continue
		}
		if id, ok := stats.renamed[e.RecordID]; ok {
			e.RecordID = id
		}
		out.History = append(out.History, e)
	}
	sort.SliceStable(out.History, func(i, j int) bool {
		return out.History[i].Timestamp.Before(out.History[j].Timestamp)
	})
	return out, stats, nil
}
