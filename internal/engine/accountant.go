package engine

import (
	"sync"

	"github.com/jpequegn/procrun/internal/plan"
)

// Admission is the result of a successful try-admit (§4.5).
type Admission struct {
	GlobalSlot int
	GroupSlot  int
}

// slotSet is a min-indexed free-set: smallest-available-integer allocation
// (§9 "Slot reuse semantics"). It tracks which integers in [0, limit) are
// currently held.
type slotSet struct {
	limit int
	held  map[int]struct{}
}

func newSlotSet(limit int) *slotSet {
	return &slotSet{limit: limit, held: make(map[int]struct{})}
}

// used returns the number of currently-held slots.
func (s *slotSet) used() int {
	return len(s.held)
}

// acquire finds and holds the smallest non-negative integer not currently
// held. When the set is already at or above its nominal limit (possible
// when threads-required exceeds the limit, §4.5), it still allocates a
// slot number so every concurrent holder has a unique id.
func (s *slotSet) acquire() int {
	for i := 0; ; i++ {
		if _, ok := s.held[i]; !ok {
			s.held[i] = struct{}{}
			return i
		}
	}
}

func (s *slotSet) release(n int) {
	delete(s.held, n)
}

// Accountant is the Concurrency Accountant (C5): tracks global and
// per-group slot usage and admits a test only when both budgets have
// enough room for its threads-required.
type Accountant struct {
	mu sync.Mutex

	globalLimit int
	globalUsed  int
	globalSlots *slotSet

	groupLimit map[string]int
	groupUsed  map[string]int
	groupSlots map[string]*slotSet
}

// NewAccountant initializes the Accountant from a resolved plan.
func NewAccountant(p *plan.Plan) *Accountant {
	a := &Accountant{
		globalLimit: p.Settings.TestThreads,
		globalSlots: newSlotSet(p.Settings.TestThreads),
		groupLimit:  make(map[string]int),
		groupUsed:   make(map[string]int),
		groupSlots:  make(map[string]*slotSet),
	}
	for name, g := range p.Groups {
		a.groupLimit[name] = g.MaxThreads
		a.groupSlots[name] = newSlotSet(g.MaxThreads)
	}
	return a
}

// TryAdmit attempts to admit a test (§4.5). Returns (Admission, true) on
// success, or (Admission{}, false) if either budget is currently exhausted.
//
// A test whose threads-required exceeds the relevant limit is still
// admitted once the budget is otherwise empty — it takes all available
// slots in that space, per the boundary behavior in §8.
func (a *Accountant) TryAdmit(inst *plan.TestInstance) (Admission, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := inst.ThreadsReq
	if need < 1 {
		need = 1
	}

	if !a.hasRoomLocked(a.globalUsed, a.globalLimit, need) {
		return Admission{}, false
	}
	group := inst.GroupName
	if group != "" {
		used := a.groupUsed[group]
		limit, ok := a.groupLimit[group]
		if !ok {
			limit = a.globalLimit
		}
		if !a.hasRoomLocked(used, limit, need) {
			return Admission{}, false
		}
	}

	a.globalUsed += need
	globalSlot := a.globalSlots.acquire()

	groupSlot := -1
	if group != "" {
		a.groupUsed[group] += need
		gs, ok := a.groupSlots[group]
		if !ok {
			gs = newSlotSet(a.groupLimit[group])
			a.groupSlots[group] = gs
		}
		groupSlot = gs.acquire()
	}

	return Admission{GlobalSlot: globalSlot, GroupSlot: groupSlot}, true
}

// hasRoomLocked reports whether a used+need request fits the limit. A test
// whose requirement alone exceeds the limit is allowed through exactly
// when nothing else is currently using the budget (used == 0); it then
// takes the entire budget.
func (a *Accountant) hasRoomLocked(used, limit, need int) bool {
	if need > limit {
		return used == 0
	}
	return used+need <= limit
}

// Release returns a test's slots to the pool (§4.5, §8 "slots held at
// admission = slots released at completion").
func (a *Accountant) Release(inst *plan.TestInstance, adm Admission) {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := inst.ThreadsReq
	if need < 1 {
		need = 1
	}

	a.globalUsed -= need
	a.globalSlots.release(adm.GlobalSlot)

	if inst.GroupName != "" {
		a.groupUsed[inst.GroupName] -= need
		if gs, ok := a.groupSlots[inst.GroupName]; ok {
			gs.release(adm.GroupSlot)
		}
	}
}

// GlobalUsed returns current global slot usage (for tests/diagnostics).
func (a *Accountant) GlobalUsed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.globalUsed
}

// GroupUsed returns current usage for a named group.
func (a *Accountant) GroupUsed(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.groupUsed[name]
}
