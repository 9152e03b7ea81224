package audit

import (
	"fmt"
	"strings"
	"time"
)

// Role is the acting role recorded on an entry. The caller establishes it;
// the audit log does not verify it.
type Role string

const (
	RoleDoctor Role = "Doctor"
	RoleNurse  Role = "Nurse"
	RoleAdmin  Role = "Admin"
)

// Action is the kind of operation an entry records.
type Action string

const (
	ActionCreate Action = "Create"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
	ActionView   Action = "View"
)

var (
	roles   = []Role{RoleDoctor, RoleNurse, RoleAdmin}
	actions = []Action{ActionCreate, ActionUpdate, ActionDelete, ActionView}
)

// ParseRole matches s case-insensitively against the known roles.
func ParseRole(s string) (Role, error) {
	for _, r := range roles {
		if strings.EqualFold(s, string(r)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidEntry, s)
}

// ParseAction matches s case-insensitively against the known actions.
func ParseAction(s string) (Action, error) {
	for _, a := range actions {
		if strings.EqualFold(s, string(a)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidEntry, s)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range roles {
		if r == known {
			return true
		}
	}
	return false
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

// Entry is one completed action on one record. Entries are immutable once
// appended.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Role      Role      `json:"role"`
	Action    Action    `json:"action"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"ts"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}
