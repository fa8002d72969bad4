package rbac

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrInsufficientPermission is returned when an actor may not manage permissions.
	ErrInsufficientPermission = errors.New("rbac: insufficient permission")
	// ErrUnknownModule rejects module names outside the catalog.
	ErrUnknownModule = errors.New("rbac: unknown module")
	// ErrUnknownAction rejects action names outside the catalog.
	ErrUnknownAction = errors.New("rbac: unknown action")
)

// Decision reasons. Role-based grants use a formatted variant of reasonRolePrefix.
const (
	ReasonUserNotFound    = "User not found"
	ReasonUserInactive    = "User account is not active"
	ReasonAdminBypass     = "Admin role - full access"
	ReasonExplicitGranted = "Explicit user permission granted"
	ReasonExplicitDenied  = "Explicit user permission denied"
	ReasonDefaultDeny     = "No matching permission found - access denied"

	reasonRolePrefix  = "Role-based permission"
	reasonCheckFailed = "Permission check failed"
)

// Subject is the slice of a user account the resolver reads.
type Subject struct {
	ID     int64
	Name   string
	Role   string
	Status Status
}

// ExplicitPermission is a per-user, per-module override. One row per (UserID, Module).
type ExplicitPermission struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"userId"`
	Module        Module    `json:"moduleName"`
	AccessGranted bool      `json:"accessGranted"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RolePermission is a seeded default entitlement.
type RolePermission struct {
	Role     Role   `json:"role"`
	Resource Module `json:"resource"`
	Action   Action `json:"action"`
}

// CheckRequest describes one access check. IPAddress and UserAgent are optional.
type CheckRequest struct {
	UserID    int64
	Resource  Module
	Action    Action
	IPAddress string
	UserAgent string
}

// Decision is the outcome of a check.
type Decision struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason"`
}

// UserPermissions is the read model consumed by the UI guard.
type UserPermissions struct {
	Explicit  []ExplicitPermission `json:"explicit"`
	RoleBased []RolePermission     `json:"roleBased"`
	Effective []Module             `json:"effective"`
}
