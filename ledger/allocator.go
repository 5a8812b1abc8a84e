package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IDSource hands out record identifiers. The in-memory Allocator is used by
// the file deployment; SQLBackend provides a transactional one.
type IDSource interface {
	NextID() (string, error)
	// Recompute resets the counter from a freshly loaded id set.
	Recompute(ids []string) int
	// Observe raises the counter so it is past every id in ids.
	Observe(ids []string) int
	Counter() int
}

// DefaultPrefix is "DC" followed by the two-digit year of t.
func DefaultPrefix(t time.Time) string {
	return "DC" + t.Format("06")
}

// Allocator produces ids of the form <prefix>-<0000>. It is not safe for
// concurrent use; the Store serializes access.
type Allocator struct {
	prefix string
	next   int
}

func NewAllocator(prefix string) *Allocator {
	return &Allocator{prefix: prefix, next: 1}
}

func (a *Allocator) Prefix() string { return a.prefix }

func (a *Allocator) Counter() int { return a.next }

func (a *Allocator) Format(n int) string {
	return fmt.Sprintf("%s-%04d", a.prefix, n)
}

func (a *Allocator) NextID() (string, error) {
	return a.Next(), nil
}

func (a *Allocator) Next() string {
	id := a.Format(a.next)
	a.next++
	return id
}

// Parse extracts the sequence number from id. Ids with another prefix or a
// non-numeric suffix are rejected.
func (a *Allocator) Parse(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, a.prefix+"-")
	if !ok || rest == "" {
		return 0, false
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (a *Allocator) maxSeq(ids []string) int {
	highest := 0
	for _, id := range ids {
		if n, ok := a.Parse(id); ok && n > highest {
			highest = n
		}
	}
	return highest
}

// Recompute sets the counter to one past the highest sequence in ids, or 1
// when none of them carry this allocator's prefix. Deleted records must be
// included: ids are never reused.
func (a *Allocator) Recompute(ids []string) int {
	a.next = a.maxSeq(ids) + 1
	return a.next
}

func (a *Allocator) Observe(ids []string) int {
	if n := a.maxSeq(ids) + 1; n > a.next {
		a.next = n
	}
	return a.next
}

func (a *Allocator) advanceTo(n int) {
	if n > a.next {
		a.next = n
	}
}
