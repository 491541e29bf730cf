package strategy

import (
	"sort"
	"sync"

	"escrow-service/internal/models"
)

// Strategy is one registered yield source.
type Strategy struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	RiskScore int    `json:"risk_score"`
	CapBp     int64  `json:"cap_bp"`
	Active    bool   `json:"active"`
}

// Registry holds the set of available yield strategies. It is read-heavy:
// the allocation engine consults it on every accrual, mutation is rare.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
	maxActive  int
}

// NewRegistry creates a registry bounded to maxActive live strategies.
func NewRegistry(maxActive int) *Registry {
	return &Registry{
		strategies: make(map[string]*Strategy),
		maxActive:  maxActive,
	}
}

// Register adds a strategy. Risk score must be 1-10 and the cap within
// 0-10000bp; activating past the live-strategy bound is rejected.
func (r *Registry) Register(s Strategy) error {
	if s.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if s.RiskScore < 1 || s.RiskScore > 10 {
		return &models.ValidationError{Field: "risk_score", Reason: "must be between 1 and 10"}
	}
	if s.CapBp < 0 || s.CapBp > 10000 {
		return &models.ValidationError{Field: "cap_bp", Reason: "must be between 0 and 10000"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Active && r.activeCountLocked(s.ID) >= r.maxActive {
		return &models.ValidationError{Field: "active", Reason: "max active strategies reached"}
	}

	copied := s
	r.strategies[s.ID] = &copied
	return nil
}

// Pause marks a strategy inactive. Capital already allocated to it is moved
// out on the next rebalance.
func (r *Registry) Pause(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.strategies[id]
	if !ok {
		return models.ErrNotFound
	}
	s.Active = false
	return nil
}

// Resume marks a strategy live again, subject to the live-strategy bound.
func (r *Registry) Resume(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.strategies[id]
	if !ok {
		return models.ErrNotFound
	}
	if !s.Active && r.activeCountLocked(id) >= r.maxActive {
		return &models.ValidationError{Field: "active", Reason: "max active strategies reached"}
	}
	s.Active = true
	return nil
}

// Get returns one strategy by id.
func (r *Registry) Get(id string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[id]
	if !ok {
		return Strategy{}, false
	}
	return *s, true
}

// Active returns live strategies ordered by (risk score, id). The ordering is
// the deterministic tie-break the allocation engine relies on.
func (r *Registry) Active() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		if s.Active {
			active = append(active, *s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].RiskScore != active[j].RiskScore {
			return active[i].RiskScore < active[j].RiskScore
		}
		return active[i].ID < active[j].ID
	})
	return active
}

// All returns every registered strategy ordered by id.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		all = append(all, *s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func (r *Registry) activeCountLocked(excludeID string) int {
	count := 0
	for id, s := range r.strategies {
		if s.Active && id != excludeID {
			count++
		}
	}
	return count
}
