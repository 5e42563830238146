// Package tasklist implements the validated task-list state machine the
// workflow controller consults for continuation decisions. All writes
// are validated atomically against the whole-list invariants; a
// rejected write leaves the prior list untouched and names the specific
// violated invariant.
package tasklist

import (
	"fmt"
	"sort"
)

// Status is the lifecycle state of one todo item.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

func (s Status) valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

// Item is one agent-managed work item.
type Item struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Status        Status `json:"status"`
	Priority      string `json:"priority,omitempty"`
	DependsOn     []int  `json:"depends_on,omitempty"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// InvariantError describes exactly which list invariant a write would
// have broken. It is returned to the model verbatim so it can correct
// the write.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Invariant, e.Detail)
}

func invariantErr(invariant, format string, args ...interface{}) *InvariantError {
	return &InvariantError{Invariant: invariant, Detail: fmt.Sprintf(format, args...)}
}

// Validate checks the intra-list invariants: unique ids, valid statuses,
// at most one in-progress item, blocked items carry a reason, every
// dependency references an existing item, and the dependency graph is
// acyclic.
func Validate(items []Item) error {
	byID := make(map[int]*Item, len(items))
	inProgress := 0
	for i := range items {
		it := &items[i]
		if _, dup := byID[it.ID]; dup {
			return invariantErr("duplicate id", "item id %d appears more than once", it.ID)
		}
		byID[it.ID] = it
		if !it.Status.valid() {
			return invariantErr("invalid status", "item %d has unknown status %q", it.ID, it.Status)
		}
		if it.Status == StatusInProgress {
			inProgress++
			if inProgress > 1 {
				return invariantErr("single in-progress", "more than one item has status in_progress")
			}
		}
		if it.Status == StatusBlocked && it.BlockedReason == "" {
			return invariantErr("blocked requires reason", "item %d is blocked without a blocked_reason", it.ID)
		}
	}
	for _, it := range items {
		for _, dep := range it.DependsOn {
			if _, ok := byID[dep]; !ok {
				return invariantErr("dangling dependency", "item %d depends on nonexistent item %d", it.ID, dep)
			}
		}
	}
	if cycle := findCycle(items); cycle != nil {
		return invariantErr("circular dependency", "%s", formatCycle(cycle))
	}
	return nil
}

// ValidateReplacement checks that a full-list replacement preserves
// every item that was already completed: completed items may be updated
// in place but never removed.
func ValidateReplacement(current, next []Item) error {
	nextIDs := make(map[int]struct{}, len(next))
	for _, it := range next {
		nextIDs[it.ID] = struct{}{}
	}
	for _, it := range current {
		if it.Status != StatusCompleted {
			continue
		}
		if _, ok := nextIDs[it.ID]; !ok {
			return invariantErr("completed item protected", "would delete completed item %d", it.ID)
		}
	}
	return Validate(next)
}

// Replace returns the new list after a validated full replacement of
// current by next. The returned slice is a copy; current is never
// mutated, so a rejection leaves the caller's state unchanged.
func Replace(current, next []Item) ([]Item, error) {
	if err := ValidateReplacement(current, next); err != nil {
		return nil, err
	}
	out := make([]Item, len(next))
	copy(out, next)
	return out, nil
}

// Update describes an in-place patch of a single item. Nil fields keep
// the existing value.
type Update struct {
	ID            int
	Title         *string
	Description   *string
	Status        *Status
	Priority      *string
	DependsOn     []int
	BlockedReason *string
}

// Apply patches one item and re-validates the whole list.
func Apply(current []Item, upd Update) ([]Item, error) {
	next := make([]Item, len(current))
	copy(next, current)

	idx := -1
	for i := range next {
		if next[i].ID == upd.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, invariantErr("unknown item", "no item with id %d", upd.ID)
	}

	it := &next[idx]
	if upd.Title != nil {
		it.Title = *upd.Title
	}
	if upd.Description != nil {
		it.Description = *upd.Description
	}
	if upd.Status != nil {
		it.Status = *upd.Status
		if *upd.Status != StatusBlocked {
			it.BlockedReason = ""
		}
	}
	if upd.Priority != nil {
		it.Priority = *upd.Priority
	}
	if upd.DependsOn != nil {
		it.DependsOn = upd.DependsOn
	}
	if upd.BlockedReason != nil {
		it.BlockedReason = *upd.BlockedReason
	}

	if err := Validate(next); err != nil {
		return nil, err
	}
	return next, nil
}

// Add appends new items with auto-assigned ids continuing after the
// current maximum, defaulting status to not_started, without touching
// existing items.
func Add(current []Item, additions []Item) ([]Item, error) {
	next := make([]Item, len(current))
	copy(next, current)

	id := maxID(current)
	for _, add := range additions {
		id++
		add.ID = id
		if add.Status == "" {
			add.Status = StatusNotStarted
		}
		next = append(next, add)
	}

	if err := Validate(next); err != nil {
		return nil, err
	}
	return next, nil
}

// HasIncomplete reports whether any item is not yet completed.
func HasIncomplete(items []Item) bool {
	for _, it := range items {
		if it.Status != StatusCompleted {
			return true
		}
	}
	return false
}

// CompletedIDs returns the ids of completed items in ascending order.
func CompletedIDs(items []Item) []int {
	var ids []int
	for _, it := range items {
		if it.Status == StatusCompleted {
			ids = append(ids, it.ID)
		}
	}
	sort.Ints(ids)
	return ids
}

func maxID(items []Item) int {
	max := 0
	for _, it := range items {
		if it.ID > max {
			max = it.ID
		}
	}
	return max
}

// findCycle runs a three-color depth-first search over the dependency
// graph and returns one cycle as an id path, or nil.
func findCycle(items []Item) []int {
	deps := make(map[int][]int, len(items))
	for _, it := range items {
		deps[it.ID] = it.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, len(items))
	var stack []int
	var cycle []int

	var visit func(id int) bool
	visit = func(id int) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// found a back edge; slice the stack from dep onward
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]int{}, stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]int, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func formatCycle(cycle []int) string {
	s := ""
	for i, id := range cycle {
		if i > 0 {
			s += "→"
		}
		s += fmt.Sprintf("%d", id)
	}
	return s
}
