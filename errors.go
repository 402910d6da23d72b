package decision

import "errors"

// Validation errors surfaced by administrative mutations. Evaluation paths
// never return these; they fail closed instead.
var (
	ErrRoleNotFound       = errors.New("role not found")
	ErrRoleExists         = errors.New("role already exists")
	ErrPermissionNotFound = errors.New("permission not found")
	ErrPermissionExists   = errors.New("permission already exists")
	ErrPolicyNotFound     = errors.New("policy not found")
	ErrPolicyExists       = errors.New("policy already exists")
	ErrCycleDetected      = errors.New("role inheritance cycle detected")
	ErrSystemRole         = errors.New("system role is immutable")
	ErrInvalidPolicy      = errors.New("invalid policy")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidPermission  = errors.New("invalid permission")
)
