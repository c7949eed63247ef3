package profile

import (
	"fmt"
	"sync"
	"time"
)

// Registry holds the validated profile set handed over by the storage
// collaborator. The daemon never reads or writes the on-disk format; the
// collaborator pushes complete replacement sets.
type Registry struct {
	lock     sync.RWMutex
	profiles map[string]*Profile
	order    []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		profiles: make(map[string]*Profile),
	}
}

// ReplaceAll validates the given set and replaces the registry content.
func (r *Registry) ReplaceAll(profiles []*Profile) error {
	seen := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("duplicate profile id %s", p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	r.profiles = make(map[string]*Profile, len(profiles))
	r.order = r.order[:0]
	for _, p := range profiles {
		r.profiles[p.ID] = p.Clone()
		r.order = append(r.order, p.ID)
	}
	return nil
}

// Get returns a copy of the profile with the given ID.
func (r *Registry) Get(id string) (*Profile, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// List returns copies of all profiles in load order.
func (r *Registry) List() []*Profile {
	r.lock.RLock()
	defer r.lock.RUnlock()

	list := make([]*Profile, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.profiles[id].Clone())
	}
	return list
}

// Len returns the number of loaded profiles.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.profiles)
}

// RecordResult updates the activation summary of a profile.
func (r *Registry) RecordResult(id string, at time.Time, summary string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if p, ok := r.profiles[id]; ok {
		p.LastApplied = at
		p.LastResult = summary
	}
}
