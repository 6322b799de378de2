// ABOUTME: Authoritative in-memory record of which game-server instances are believed running
// ABOUTME: Owned by one mutex; callers only ever see copies of instance records

package fleet

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrInstanceNotFound is returned when no record exists for a name.
var ErrInstanceNotFound = errors.New("instance not found")

// Status is the believed runtime state of an instance.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Instance is the control plane's record of one game-server configuration.
type Instance struct {
	Name   string `json:"name"`
	Status Status `json:"status"`

	// OwnerToken is the agent responsible for this instance. It survives
	// disconnects; SessionID does not.
	OwnerToken string `json:"owner_token,omitempty"`
	SessionID  string `json:"session_id,omitempty"`

	// NotifyRef threads follow-up notifications under an earlier one.
	NotifyRef string `json:"notify_ref,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store holds fleet instance records keyed by name.
type Store struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	now       func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		instances: make(map[string]*Instance),
		now:       time.Now,
	}
}

// Get returns a copy of the named instance.
func (s *Store) Get(name string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[name]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// List returns a snapshot of all instances sorted by name.
func (s *Store) List() []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Put creates or replaces a record.
func (s *Store) Put(inst Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.Status == "" {
		inst.Status = StatusStopped
	}
	inst.UpdatedAt = s.now()
	s.instances[inst.Name] = &inst
}

// Delete removes a record. Deleting a missing record is a no-op.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, name)
}

// MarkRunning records that an instance is running on the given session,
// creating the record if needed.
func (s *Store) MarkRunning(name, ownerToken, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[name]
	if !ok {
		inst = &Instance{Name: name}
		s.instances[name] = inst
	}
	inst.Status = StatusRunning
	inst.OwnerToken = ownerToken
	inst.SessionID = sessionID
	inst.UpdatedAt = s.now()
}

// MarkStopped marks an instance stopped and clears its session.
func (s *Store) MarkStopped(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[name]
	if !ok {
		return ErrInstanceNotFound
	}
	s.stopLocked(inst)
	return nil
}

// SetNotifyRef records (or clears, with "") the notification thread for an instance.
func (s *Store) SetNotifyRef(name, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[name]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.NotifyRef = ref
	inst.UpdatedAt = s.now()
	return nil
}

// RunningOwnedBy returns the sorted names of running instances owned by token.
func (s *Store) RunningOwnedBy(token string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runningOwnedByLocked(token)
}

// StopOwnedBy marks every running instance owned by token stopped and
// returns the affected names.
func (s *Store) StopOwnedBy(token string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := s.runningOwnedByLocked(token)
	for _, name := range names {
		s.stopLocked(s.instances[name])
	}
	return names
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func (s *Store) runningOwnedByLocked(token string) []string {
	var names []string
	for name, inst := range s.instances {
		if inst.OwnerToken == token && inst.Status == StatusRunning {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Store) stopLocked(inst *Instance) {
	inst.Status = StatusStopped
	inst.SessionID = ""
	inst.UpdatedAt = s.now()
}
