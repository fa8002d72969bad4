package users

import (
	"context"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, filter ListFilter) ([]User, int, error)
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns one page of the directory. The slice is never nil.
func (s *Service) ListUsers(ctx context.Context, filter ListFilter) ([]User, int, error) {
	users, total, err := s.repo.ListUsers(ctx, filter.normalized())
	if err != nil {
		return nil, 0, err
	}
	if users == nil {
		users = []User{}
	}
	return users, total, nil
}
