package ledger

import (
	"fmt"
	"sort"
	"strings"
)

var sortableColumns = func() map[string]bool {
	m := make(map[string]bool, len(ExportColumns))
	for _, c := range ExportColumns {
		m[c] = true
	}
	return m
}()

// Get returns a copy of the record with the given id, deleted or not.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, err := s.lookupLocked(id, false)
	if err != nil {
		return Record{}, err
	}
	return s.records[i].clone(), nil
}

// GetByUID finds a record by its creation identity, which survives re-keying.
func (s *Store) GetByUID(uid string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.UID == uid {
			return r.clone(), nil
		}
	}
	return Record{}, fmt.Errorf("%w: uid %s", ErrRecordNotFound, uid)
}

// List returns every record, deleted ones included, ordered by sortField.
// Unknown sort fields fall back to id; direction "desc" (any case) sorts
// descending, anything else ascending.
func (s *Store) List(sortField, direction string) []Record {
	s.mu.RLock()
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.clone()
	}
	prefix := ""
	if a, ok := s.ids.(interface{ Prefix() string }); ok {
		prefix = a.Prefix()
	}
	s.mu.RUnlock()

	sortRecords(out, prefix, sortField, direction)
	return out
}

func sortRecords(recs []Record, prefix, sortField, direction string) {
	field := strings.ToLower(strings.TrimSpace(sortField))
	if !sortableColumns[field] {
		field = "id"
		direction = "asc"
	}
	desc := strings.EqualFold(strings.TrimSpace(direction), "desc")
	ids := NewAllocator(prefix)

	keys := make([]map[string]string, len(recs))
	for i, r := range recs {
		keys[i] = FlattenRecord(r)
	}
	idLess := func(a, b Record) bool {
		na, okA := ids.Parse(a.ID)
		nb, okB := ids.Parse(b.ID)
		if okA && okB && na != nb {
			return na < nb
		}
		if okA != okB {
			return okA
		}
		return a.ID < b.ID
	}

	idx := make([]int, len(recs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := recs[idx[i]], recs[idx[j]]
		if field != "id" {
			ka, kb := keys[idx[i]][field], keys[idx[j]][field]
			if ka != kb {
				if desc {
					return ka > kb
				}
				return ka < kb
			}
		}
		if desc && field == "id" {
			return idLess(b, a)
		}
		return idLess(a, b)
	})

	sorted := make([]Record, len(recs))
	for i, k := range idx {
		sorted[i] = recs[k]
	}
	copy(recs, sorted)
}

// History returns the audit entries of a record, newest first. Entries
// sharing a timestamp are returned in reverse order of appending.
func (s *Store) History(id string) []AuditEntry {
	s.mu.RLock()
	var out []AuditEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].RecordID == id {
			out = append(out, s.history[i])
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
