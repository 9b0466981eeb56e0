package auth

import (
	"errors"
	"regexp"
	"slices"
)

// subjectPattern: 1-64 characters of letters, digits, '.', '_', '@' or '-'.
var subjectPattern = regexp.MustCompile(`^[a-zA-Z0-9._@-]{1,64}$`)

// IsValidSubject checks a token subject against subjectPattern.
func IsValidSubject(subject string) bool {
	return subjectPattern.MatchString(subject)
}

// Role is an authorisation tier for API callers.
type Role string

const (
	// RoleViewer reads session status and device state.
	RoleViewer Role = "viewer"

	// RoleOperator also publishes and subscribes, e.g. switches the LED.
	RoleOperator Role = "operator"

	// RoleAdmin also connects and disconnects sessions.
	RoleAdmin Role = "admin"
)

// ValidRoles lists the roles from least to most privileged.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole reports whether r is one of ValidRoles.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// rank is 1 for the lowest role and 0 for an unknown one.
func (r Role) rank() int {
	return slices.Index(ValidRoles, r) + 1
}

var (
	ErrTokenInvalid   = errors.New("invalid token")
	ErrForbidden      = errors.New("insufficient permissions")
	ErrTopicForbidden = errors.New("topic outside token scope")
	ErrInvalidRole    = errors.New("invalid role")
	ErrInvalidSubject = errors.New("invalid subject")
	ErrInvalidScope   = errors.New("invalid topic scope")
	ErrMissingSecret  = errors.New("jwt secret not configured")
)
