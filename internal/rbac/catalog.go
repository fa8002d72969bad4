package rbac

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Module is a named functional area used as the unit of access control.
type Module string

// Module catalog.
const (
	ModuleDashboard         Module = "dashboard"
	ModuleInventory         Module = "inventory"
	ModuleOrders            Module = "orders"
	ModuleProcurement       Module = "procurement"
	ModuleAccounting        Module = "accounting"
	ModuleExpenses          Module = "expenses"
	ModuleInvoices          Module = "invoices"
	ModuleQuotations        Module = "quotations"
	ModuleCustomers         Module = "customers"
	ModuleSuppliers         Module = "suppliers"
	ModuleUsers             Module = "users"
	ModuleUserManagement    Module = "user_management"
	ModuleReports           Module = "reports"
	ModuleSystemPreferences Module = "system_preferences"
	ModuleBackups           Module = "backups"
)

// Action is an operation performed on a module.
type Action string

// Action catalog.
const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionExport  Action = "export"
	ActionApprove Action = "approve"
)

// Role is the coarse entitlement group a user belongs to.
type Role string

// Role catalog.
const (
	RoleAdmin            Role = "admin"
	RoleManager          Role = "manager"
	RoleSalesRep         Role = "sales_rep"
	RoleInventoryManager Role = "inventory_manager"
	RoleAccountant       Role = "accountant"
	RoleStaff            Role = "staff"
)

// Status is the lifecycle state of a user account.
type Status string

// Account statuses. Only StatusActive may be granted anything.
const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

var (
	modules = []Module{
		ModuleDashboard, ModuleInventory, ModuleOrders, ModuleProcurement, ModuleAccounting,
		ModuleExpenses, ModuleInvoices, ModuleQuotations, ModuleCustomers, ModuleSuppliers,
		ModuleUsers, ModuleUserManagement, ModuleReports, ModuleSystemPreferences, ModuleBackups,
	}
	actions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionExport, ActionApprove}
	roles   = []Role{RoleAdmin, RoleManager, RoleSalesRep, RoleInventoryManager, RoleAccountant, RoleStaff}

	moduleSet = toSet(modules)
	actionSet = toSet(actions)
	roleSet   = toSet(roles)
)

// Modules returns the module catalog in display order.
func Modules() []Module { return append([]Module(nil), modules...) }

// Actions returns the action catalog.
func Actions() []Action { return append([]Action(nil), actions...) }

// Roles returns the role catalog.
func Roles() []Role { return append([]Role(nil), roles...) }

// ParseModule normalises and validates a module name.
func ParseModule(raw string) (Module, error) {
	m := Module(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := moduleSet[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModule, raw)
	}
	return m, nil
}

// ParseAction normalises and validates an action name.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := actionSet[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
	return a, nil
}

// ParseRole validates a stored role value.
func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := roleSet[r]
	return r, ok
}

// Valid reports whether the module is in the catalog.
func (m Module) Valid() bool {
	_, ok := moduleSet[m]
	return ok
}

// Label renders "user_management" as "User Management".
func (m Module) Label() string { return label(string(m)) }

// Label renders the action for display.
func (a Action) Label() string { return label(string(a)) }

// Label renders the role for display.
func (r Role) Label() string { return label(string(r)) }

// CatalogEntry is a machine key with its display label.
type CatalogEntry struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Catalog is the static configuration exposed to collaborators.
type Catalog struct {
	Modules []CatalogEntry `json:"modules"`
	Actions []CatalogEntry `json:"actions"`
	Roles   []CatalogEntry `json:"roles"`
}

// Configuration builds the full catalog.
func Configuration() Catalog {
	c := Catalog{
		Modules: make([]CatalogEntry, 0, len(modules)),
		Actions: make([]CatalogEntry, 0, len(actions)),
		Roles:   make([]CatalogEntry, 0, len(roles)),
	}
	for _, m := range modules {
		c.Modules = append(c.Modules, CatalogEntry{Key: string(m), Label: m.Label()})
	}
	for _, a := range actions {
		c.Actions = append(c.Actions, CatalogEntry{Key: string(a), Label: a.Label()})
	}
	for _, r := range roles {
		c.Roles = append(c.Roles, CatalogEntry{Key: string(r), Label: r.Label()})
	}
	return c
}

func label(key string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(key, "_", " "))
}

func toSet[T comparable](items []T) map[T]struct{} {
	set := make(map[T]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
