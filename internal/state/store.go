package state

import (
	"sort"
)

// Store is the authoritative in-memory map of Budgets and Goals plus the
// per-entity busy flags used to serialize fund-affecting operations.
// Not thread-safe: the engine owns it and guards every access with its lock.
type Store struct {
	budgets map[string]*Budget
	goals   map[string]*Goal
	busy    map[string]struct{}
}

// Snapshot is the serialized form of the store at the persistence boundary.
type Snapshot struct {
	Budgets []*Budget `json:"budgets"`
	Goals   []*Goal   `json:"goals"`
}

func NewStore() *Store {
	return &Store{
		budgets: make(map[string]*Budget),
		goals:   make(map[string]*Goal),
		busy:    make(map[string]struct{}),
	}
}

// --- Budgets ---

func (s *Store) Budget(id string) (*Budget, bool) {
	b, ok := s.budgets[id]
	return b, ok
}

func (s *Store) PutBudget(b *Budget) {
	s.budgets[b.ID] = b
}

func (s *Store) DeleteBudget(id string) {
	delete(s.budgets, id)
}

// Budgets returns the owner's budgets matching filter, ordered by id.
// A nil filter matches all.
func (s *Store) Budgets(owner string, filter func(*Budget) bool) []*Budget {
	out := make([]*Budget, 0)
	for _, b := range s.budgets {
		if b.Owner != owner {
			continue
		}
		if filter != nil && !filter(b) {
			continue
		}
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Goals ---

func (s *Store) Goal(id string) (*Goal, bool) {
	g, ok := s.goals[id]
	return g, ok
}

func (s *Store) PutGoal(g *Goal) {
	s.goals[g.ID] = g
}

func (s *Store) DeleteGoal(id string) {
	delete(s.goals, id)
}

// GoalIDs returns the ids of the owner's goals, ordered.
func (s *Store) GoalIDs(owner string) []string {
	out := make([]string, 0)
	for id, g := range s.goals {
		if g.Owner == owner {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Exists reports whether any entity uses id.
func (s *Store) Exists(id string) bool {
	if _, ok := s.budgets[id]; ok {
		return true
	}
	_, ok := s.goals[id]
	return ok
}

// --- Busy guard ---

// TryAcquire marks the entity busy. It returns false if it already was.
func (s *Store) TryAcquire(id string) bool {
	if _, held := s.busy[id]; held {
		return false
	}
	s.busy[id] = struct{}{}
	return true
}

// Release clears the busy mark.
func (s *Store) Release(id string) {
	delete(s.busy, id)
}

func (s *Store) IsBusy(id string) bool {
	_, held := s.busy[id]
	return held
}

// --- Counts ---

// BudgetCounts returns the number of budgets per status.
func (s *Store) BudgetCounts() map[BudgetStatus]int {
	out := make(map[BudgetStatus]int)
	for _, b := range s.budgets {
		out[b.Status]++
	}
	return out
}

// GoalCounts returns the number of goals per status.
func (s *Store) GoalCounts() map[GoalStatus]int {
	out := make(map[GoalStatus]int)
	for _, g := range s.goals {
		out[g.Status]++
	}
	return out
}

// --- Persistence boundary ---

// Snapshot copies every record, ordered by id. Busy flags are not captured.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		Budgets: make([]*Budget, 0, len(s.budgets)),
		Goals:   make([]*Goal, 0, len(s.goals)),
	}
	for _, b := range s.budgets {
		snap.Budgets = append(snap.Budgets, b.Clone())
	}
	for _, g := range s.goals {
		snap.Goals = append(snap.Goals, g.Clone())
	}
	sort.Slice(snap.Budgets, func(i, j int) bool { return snap.Budgets[i].ID < snap.Budgets[j].ID })
	sort.Slice(snap.Goals, func(i, j int) bool { return snap.Goals[i].ID < snap.Goals[j].ID })
	return snap
}

// Restore replaces the store contents with snap.
func (s *Store) Restore(snap Snapshot) {
	s.budgets = make(map[string]*Budget, len(snap.Budgets))
	s.goals = make(map[string]*Goal, len(snap.Goals))
	s.busy = make(map[string]struct{})

	for _, b := range snap.Budgets {
		s.budgets[b.ID] = b.Clone()
	}
	for _, g := range snap.Goals {
		s.goals[g.ID] = g.Clone()
	}
}
