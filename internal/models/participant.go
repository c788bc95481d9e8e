package models

import "strings"

// Role represents a participant's role in a classroom.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// ParseRole normalizes a role string from a query param or payload.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Participant is a joined identity in a room. ID is an opaque caller-supplied token.
type Participant struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

// IsTeacher reports whether the participant joined with the teacher role.
func (p Participant) IsTeacher() bool { return p.Role == RoleTeacher }

// Name returns the display name, falling back to the id.
func (p Participant) Name() string {
	if n := strings.TrimSpace(p.DisplayName); n != "" {
		return n
	}
	return p.ID
}
