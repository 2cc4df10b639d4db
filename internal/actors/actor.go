package actors

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("actors: invalid actor id")
	// ErrUnknownRole indicates that a role value is not one of the supported roles.
	ErrUnknownRole = errors.New("actors: unknown role")
)

// Role enumerates the authenticated roles the lock policy distinguishes.
type Role string

const (
	// RoleAdmin may lock and edit any record.
	RoleAdmin Role = "admin"
	// RoleCounselor may lock and edit only records they created.
	RoleCounselor Role = "counselor"
)

// ParseRole validates a raw role value from a token claim.
func ParseRole(rawInput string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(RoleAdmin):
		return RoleAdmin, nil
	case string(RoleCounselor):
		return RoleCounselor, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, rawInput)
	}
}

// String returns the underlying role value.
func (r Role) String() string {
	return string(r)
}

// Actor is the resolved identity of an authenticated caller. It is produced
// once by the auth layer and passed unchanged into every service; downstream
// code never re-derives identity from request shapes.
type Actor struct {
	UserID    string
	UserName  string
	UserRole  Role
	UserEmail string
}

// NewActor validates the identity tuple and returns an Actor.
func NewActor(userID, userName, rawRole, userEmail string) (Actor, error) {
	trimmedID := strings.TrimSpace(userID)
	if trimmedID == "" {
		return Actor{}, fmt.Errorf("%w: empty", ErrInvalidActorID)
	}
	if len(trimmedID) > maxIdentifierLength {
		return Actor{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidActorID, maxIdentifierLength)
	}
	role, err := ParseRole(rawRole)
	if err != nil {
		return Actor{}, err
	}
	return Actor{
		UserID:    trimmedID,
		UserName:  strings.TrimSpace(userName),
		UserRole:  role,
		UserEmail: strings.TrimSpace(userEmail),
	}, nil
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.UserRole == RoleAdmin
}
