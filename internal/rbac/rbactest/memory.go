// Package rbactest provides in-memory collaborators for exercising rbac.Service.
package rbactest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

type explicitKey struct {
	userID int64
	module rbac.Module
}

// Store is a goroutine-safe implementation of rbac.Repository and rbac.RoleSource.
type Store struct {
	mu       sync.Mutex
	users    map[int64]rbac.Subject
	explicit map[explicitKey]rbac.ExplicitPermission
	roles    map[rbac.Role][]rbac.RolePermission
	nextID   int64

	// FailSubject, when set, is returned by GetSubject.
	FailSubject error
	// FailUpsert, when set, is returned by UpsertExplicit for the named module.
	FailUpsert map[rbac.Module]error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		users:      make(map[int64]rbac.Subject),
		explicit:   make(map[explicitKey]rbac.ExplicitPermission),
		roles:      make(map[rbac.Role][]rbac.RolePermission),
		FailUpsert: make(map[rbac.Module]error),
	}
}

// AddUser registers a subject.
func (s *Store) AddUser(id int64, name string, role rbac.Role, status rbac.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = rbac.Subject{ID: id, Name: name, Role: string(role), Status: status}
}

// Grant adds a role default.
func (s *Store) Grant(role rbac.Role, module rbac.Module, actions ...rbac.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range actions {
		s.roles[role] = append(s.roles[role], rbac.RolePermission{Role: role, Resource: module, Action: a})
	}
}

// SetExplicit seeds an explicit row without going through the service.
func (s *Store) SetExplicit(userID int64, module rbac.Module, granted bool) {
	_, _, _ = s.UpsertExplicit(context.Background(), userID, module, granted)
}

// ExplicitCount returns the number of rows for (userID, module).
func (s *Store) ExplicitCount(userID int64, module rbac.Module) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.explicit[explicitKey{userID, module}]; ok {
		return 1
	}
	return 0
}

func (s *Store) GetSubject(_ context.Context, userID int64) (rbac.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSubject != nil {
		return rbac.Subject{}, s.FailSubject
	}
	u, ok := s.users[userID]
	if !ok {
		return rbac.Subject{}, rbac.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetExplicit(_ context.Context, userID int64, module rbac.Module) (rbac.ExplicitPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.explicit[explicitKey{userID, module}]
	if !ok {
		return rbac.ExplicitPermission{}, rbac.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListExplicit(_ context.Context, userID int64) ([]rbac.ExplicitPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []rbac.ExplicitPermission{}
	for k, p := range s.explicit {
		if k.userID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}

func (s *Store) UpsertExplicit(_ context.Context, userID int64, module rbac.Module, granted bool) (rbac.ExplicitPermission, *bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailUpsert[module]; err != nil {
		return rbac.ExplicitPermission{}, nil, err
	}
	if _, ok := s.users[userID]; !ok {
		return rbac.ExplicitPermission{}, nil, rbac.ErrNotFound
	}
	now := time.Now().UTC()
	key := explicitKey{userID, module}
	prev, exists := s.explicit[key]
	if exists {
		was := prev.AccessGranted
		prev.AccessGranted = granted
		prev.UpdatedAt = now
		s.explicit[key] = prev
		return prev, &was, nil
	}
	s.nextID++
	p := rbac.ExplicitPermission{ID: s.nextID, UserID: userID, Module: module, AccessGranted: granted, CreatedAt: now, UpdatedAt: now}
	s.explicit[key] = p
	return p, nil, nil
}

func (s *Store) DeleteExplicit(_ context.Context, userID int64, module rbac.Module) (rbac.ExplicitPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := explicitKey{userID, module}
	p, ok := s.explicit[key]
	if !ok {
		return rbac.ExplicitPermission{}, rbac.ErrNotFound
	}
	delete(s.explicit, key)
	return p, nil
}

func (s *Store) RolePermissions(_ context.Context, role rbac.Role) ([]rbac.RolePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rbac.RolePermission{}, s.roles[role]...), nil
}

// Trail records audit entries in memory.
type Trail struct {
	mu      sync.Mutex
	checks  []audit.AccessCheck
	changes []audit.PermissionChange
}

func (t *Trail) LogPermissionCheck(_ context.Context, entry audit.AccessCheck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks = append(t.checks, entry)
}

func (t *Trail) LogPermissionChange(_ context.Context, entry audit.PermissionChange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes = append(t.changes, entry)
}

// Checks returns a copy of the recorded access checks.
func (t *Trail) Checks() []audit.AccessCheck {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]audit.AccessCheck(nil), t.checks...)
}

// Changes returns a copy of the recorded permission changes.
func (t *Trail) Changes() []audit.PermissionChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]audit.PermissionChange(nil), t.changes...)
}

// Publisher records change events and optionally fails.
type Publisher struct {
	mu     sync.Mutex
	events []rbac.ChangeEvent
	Fail   bool
}

func (p *Publisher) PublishPermissionChange(_ context.Context, event rbac.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail {
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of the published events.
func (p *Publisher) Events() []rbac.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]rbac.ChangeEvent(nil), p.events...)
}

var (
	_ rbac.Repository      = (*Store)(nil)
	_ rbac.RoleSource      = (*Store)(nil)
	_ rbac.AuditTrail      = (*Trail)(nil)
	_ rbac.ChangePublisher = (*Publisher)(nil)
)
