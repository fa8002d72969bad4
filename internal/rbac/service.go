package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
)

// Repository reads users and reads/writes explicit permission rows.
type Repository interface {
	GetSubject(ctx context.Context, userID int64) (Subject, error)
	GetExplicit(ctx context.Context, userID int64, module Module) (ExplicitPermission, error)
	ListExplicit(ctx context.Context, userID int64) ([]ExplicitPermission, error)
	// UpsertExplicit returns the stored row and the previous value, nil when the row is new.
	UpsertExplicit(ctx context.Context, userID int64, module Module, granted bool) (ExplicitPermission, *bool, error)
	DeleteExplicit(ctx context.Context, userID int64, module Module) (ExplicitPermission, error)
}

// RoleSource provides the seeded role defaults.
type RoleSource interface {
	RolePermissions(ctx context.Context, role Role) ([]RolePermission, error)
}

// AuditTrail records checks and changes. Implementations swallow their own failures.
type AuditTrail interface {
	LogPermissionCheck(ctx context.Context, entry audit.AccessCheck)
	LogPermissionChange(ctx context.Context, entry audit.PermissionChange)
}

// DecisionObserver receives one call per decision.
type DecisionObserver interface {
	ObservePermissionCheck(resource, action string, granted bool, elapsed time.Duration)
}

// ServiceConfig carries the optional collaborators of Service.
type ServiceConfig struct {
	Logger    *slog.Logger
	Observer  DecisionObserver
	Publisher ChangePublisher
	Now       func() time.Time
}

// Service resolves effective access and administers explicit permissions.
type Service struct {
	repo      Repository
	roles     RoleSource
	trail     AuditTrail
	observer  DecisionObserver
	publisher ChangePublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the resolver.
func NewService(repo Repository, roles RoleSource, trail AuditTrail, cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		repo:      repo,
		roles:     roles,
		trail:     trail,
		observer:  cfg.Observer,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// CheckPermission decides whether the user may perform action on resource. It never
// fails: every error path becomes a denial with an explanatory reason, and exactly one
// access check entry is recorded before it returns.
func (s *Service) CheckPermission(ctx context.Context, req CheckRequest) Decision {
	start := s.now()
	if req.IPAddress == "" && req.UserAgent == "" {
		req.IPAddress, req.UserAgent = ClientFromContext(ctx)
	}

	decision, err := s.decide(ctx, req)
	var errText string
	if err != nil {
		errText = err.Error()
		decision = Decision{Granted: false, Reason: fmt.Sprintf("%s: %s", reasonCheckFailed, errText)}
	}
	elapsed := s.now().Sub(start)

	if s.trail != nil {
		s.trail.LogPermissionCheck(ctx, audit.AccessCheck{
			UserID:         req.UserID,
			Resource:       string(req.Resource),
			Action:         string(req.Action),
			Granted:        decision.Granted,
			Reason:         decision.Reason,
			IPAddress:      req.IPAddress,
			UserAgent:      req.UserAgent,
			ResponseTimeMs: elapsed.Milliseconds(),
			Error:          errText,
		})
	}
	if s.observer != nil {
		s.observer.ObservePermissionCheck(string(req.Resource), string(req.Action), decision.Granted, elapsed)
	}
	return decision
}

// Allowed is a shorthand for CheckPermission(...).Granted.
func (s *Service) Allowed(ctx context.Context, userID int64, resource Module, action Action) bool {
	return s.CheckPermission(ctx, CheckRequest{UserID: userID, Resource: resource, Action: action}).Granted
}

// decide evaluates the rules in order; the first match wins.
func (s *Service) decide(ctx context.Context, req CheckRequest) (decision Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	subject, err := s.repo.GetSubject(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Decision{Granted: false, Reason: ReasonUserNotFound}, nil
		}
		return Decision{}, err
	}
	if subject.Status != StatusActive {
		return Decision{Granted: false, Reason: ReasonUserInactive}, nil
	}
	role, knownRole := ParseRole(subject.Role)
	if knownRole && role == RoleAdmin {
		return Decision{Granted: true, Reason: ReasonAdminBypass}, nil
	}

	explicit, err := s.repo.GetExplicit(ctx, req.UserID, req.Resource)
	switch {
	case err == nil:
		if explicit.AccessGranted {
			return Decision{Granted: true, Reason: ReasonExplicitGranted}, nil
		}
		return Decision{Granted: false, Reason: ReasonExplicitDenied}, nil
	case !errors.Is(err, ErrNotFound):
		return Decision{}, err
	}

	if knownRole {
		perms, err := s.roles.RolePermissions(ctx, role)
		if err != nil {
			return Decision{}, err
		}
		for _, p := range perms {
			if p.Resource == req.Resource && p.Action == req.Action {
				return Decision{
					Granted: true,
					Reason:  fmt.Sprintf("%s: %s can %s %s", reasonRolePrefix, role, req.Action, req.Resource),
				}, nil
			}
		}
	}
	return Decision{Granted: false, Reason: ReasonDefaultDeny}, nil
}

// GetUserPermissions returns explicit rows, role defaults, and the effective module set:
// explicit grants first, then role modules that are neither explicitly denied nor present.
func (s *Service) GetUserPermissions(ctx context.Context, userID int64) (UserPermissions, error) {
	subject, err := s.repo.GetSubject(ctx, userID)
	if err != nil {
		return UserPermissions{}, fmt.Errorf("rbac: load user %d: %w", userID, err)
	}
	explicit, err := s.repo.ListExplicit(ctx, userID)
	if err != nil {
		return UserPermissions{}, fmt.Errorf("rbac: list explicit permissions: %w", err)
	}
	roleBased := []RolePermission{}
	if role, ok := ParseRole(subject.Role); ok {
		perms, err := s.roles.RolePermissions(ctx, role)
		if err != nil {
			return UserPermissions{}, fmt.Errorf("rbac: list role permissions: %w", err)
		}
		if perms != nil {
			roleBased = perms
		}
	}
	if explicit == nil {
		explicit = []ExplicitPermission{}
	}
	return UserPermissions{
		Explicit:  explicit,
		RoleBased: roleBased,
		Effective: effectiveModules(explicit, roleBased),
	}, nil
}

func effectiveModules(explicit []ExplicitPermission, roleBased []RolePermission) []Module {
	effective := make([]Module, 0, len(explicit)+len(roleBased))
	seen := make(map[Module]struct{}, cap(effective))
	denied := make(map[Module]struct{})
	for _, p := range explicit {
		if !p.AccessGranted {
			denied[p.Module] = struct{}{}
			continue
		}
		if _, ok := seen[p.Module]; !ok {
			seen[p.Module] = struct{}{}
			effective = append(effective, p.Module)
		}
	}
	for _, p := range roleBased {
		if _, ok := denied[p.Resource]; ok {
			continue
		}
		if _, ok := seen[p.Resource]; ok {
			continue
		}
		seen[p.Resource] = struct{}{}
		effective = append(effective, p.Resource)
	}
	return effective
}

// SetUserPermission upserts the explicit row for (userID, module) on behalf of adminID.
// The admin must hold user_management:update. The change log write is best-effort and
// happens after the upsert has committed.
func (s *Service) SetUserPermission(ctx context.Context, userID int64, module Module, granted bool, adminID int64) (ExplicitPermission, error) {
	if err := s.authorizeAdmin(ctx, adminID); err != nil {
		return ExplicitPermission{}, err
	}
	return s.applyPermission(ctx, userID, module, granted, adminID)
}

// DeleteUserPermission removes the explicit row so role defaults apply again.
func (s *Service) DeleteUserPermission(ctx context.Context, userID int64, module Module, adminID int64) (ExplicitPermission, error) {
	if err := s.authorizeAdmin(ctx, adminID); err != nil {
		return ExplicitPermission{}, err
	}
	if !module.Valid() {
		return ExplicitPermission{}, fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
	removed, err := s.repo.DeleteExplicit(ctx, userID, module)
	if err != nil {
		return ExplicitPermission{}, fmt.Errorf("rbac: delete permission: %w", err)
	}
	previous := removed.AccessGranted
	s.recordChange(ctx, audit.PermissionChange{
		AdminUserID:   adminID,
		TargetUserID:  userID,
		ModuleName:    string(module),
		AccessGranted: false,
		Action:        audit.ChangeDeleted,
		PreviousValue: &previous,
	})
	return removed, nil
}

// BulkItem is one entry of a bulk permission update.
type BulkItem struct {
	ModuleName    string `json:"moduleName" validate:"required"`
	AccessGranted *bool  `json:"accessGranted" validate:"required"`
}

// BulkError reports one failed bulk entry.
type BulkError struct {
	ModuleName string `json:"moduleName"`
	Error      string `json:"error"`
}

// BulkResult summarises a bulk update.
type BulkResult struct {
	Updated int                  `json:"updated"`
	Failed  int                  `json:"failed"`
	Results []ExplicitPermission `json:"results"`
	Errors  []BulkError          `json:"errors"`
}

// BulkSetUserPermissions authorises the admin once, then applies every item
// independently; a failing item never aborts the rest.
func (s *Service) BulkSetUserPermissions(ctx context.Context, userID int64, items []BulkItem, adminID int64) (BulkResult, error) {
	if err := s.authorizeAdmin(ctx, adminID); err != nil {
		return BulkResult{}, err
	}
	result := BulkResult{Results: []ExplicitPermission{}, Errors: []BulkError{}}
	for _, item := range items {
		module, err := ParseModule(item.ModuleName)
		if err == nil && item.AccessGranted == nil {
			err = errors.New("accessGranted is required")
		}
		var perm ExplicitPermission
		if err == nil {
			perm, err = s.applyPermission(ctx, userID, module, *item.AccessGranted, adminID)
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BulkError{ModuleName: item.ModuleName, Error: err.Error()})
			continue
		}
		result.Updated++
		result.Results = append(result.Results, perm)
	}
	return result, nil
}

func (s *Service) authorizeAdmin(ctx context.Context, adminID int64) error {
	decision := s.CheckPermission(ctx, CheckRequest{UserID: adminID, Resource: ModuleUserManagement, Action: ActionUpdate})
	if !decision.Granted {
		return fmt.Errorf("%w: %s", ErrInsufficientPermission, decision.Reason)
	}
	return nil
}

func (s *Service) applyPermission(ctx context.Context, userID int64, module Module, granted bool, adminID int64) (ExplicitPermission, error) {
	if !module.Valid() {
		return ExplicitPermission{}, fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
	perm, previous, err := s.repo.UpsertExplicit(ctx, userID, module, granted)
	if err != nil {
		return ExplicitPermission{}, fmt.Errorf("rbac: upsert permission: %w", err)
	}
	action := audit.ChangeCreated
	if previous != nil {
		action = audit.ChangeUpdated
	}
	s.recordChange(ctx, audit.PermissionChange{
		AdminUserID:   adminID,
		TargetUserID:  userID,
		ModuleName:    string(module),
		AccessGranted: granted,
		Action:        action,
		PreviousValue: previous,
	})
	return perm, nil
}

func (s *Service) recordChange(ctx context.Context, change audit.PermissionChange) {
	change.CreatedAt = s.now().UTC()
	if s.trail != nil {
		s.trail.LogPermissionChange(ctx, change)
	}
	if s.publisher != nil {
		if err := s.publisher.PublishPermissionChange(ctx, newChangeEvent(change)); err != nil {
			s.logger.Warn("rbac: publish permission change",
				slog.Int64("target_user_id", change.TargetUserID),
				slog.String("module", change.ModuleName),
				slog.Any("error", err))
		}
	}
}
