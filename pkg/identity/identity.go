// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity models the authenticated caller forwarded by the API
// gateway.
//
// The gateway terminates JWT validation and forwards the verified subject
// and role as plain headers. This package parses and validates those headers;
// it never re-verifies signatures. The trust boundary is the gateway.
package identity

import (
	"fmt"
	"regexp"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
)

// Gateway-set headers. The gateway strips any client-supplied values for
// these names before forwarding, so their presence implies authentication.
const (
	HeaderUsername = "X-Consumer-Username"
	HeaderRole     = "X-Consumer-Role"
)

// subjectPattern matches gateway subjects: a role prefix and a UUID.
// Example: student_aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa
var subjectPattern = regexp.MustCompile(
	`^(student|teacher|admin)_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// Role is the gateway-asserted role claim.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// ParseRole validates a role header value.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Permission names a capability derived from the role.
type Permission string

const (
	PermReadSelf        Permission = "read:self"
	PermReadAny         Permission = "read:any"
	PermSubmitTriage    Permission = "submit:triage"
	PermComplianceErase Permission = "compliance:erase"
	PermAuditStream     Permission = "audit:stream"
)

// rolePermissions is the fixed role -> capability table. Permissions are
// derived, never carried in headers.
var rolePermissions = map[Role][]Permission{
	RoleStudent: {PermReadSelf, PermSubmitTriage},
	RoleTeacher: {PermReadSelf, PermReadAny, PermSubmitTriage},
	RoleAdmin:   {PermReadSelf, PermReadAny, PermSubmitTriage, PermComplianceErase, PermAuditStream},
}

// Identity is the request-scoped caller. Immutable once constructed.
type Identity struct {
	// Subject is the opaque caller identifier, e.g. student_<uuid>.
	Subject string

	// Role is the gateway-asserted role.
	Role Role

	// Permissions derived from Role at construction time.
	Permissions []Permission
}

// ValidateSubject checks the gateway subject shape without constructing an
// Identity. Used by the schema validator for identities embedded in payloads.
func ValidateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("subject cannot be empty")
	}
	if !subjectPattern.MatchString(subject) {
		return fmt.Errorf("invalid subject format: must be <role>_<uuid>")
	}
	return nil
}

// FromHeaders builds the caller identity from the two gateway headers.
// Missing or malformed values yield an authentication fault; the router
// treats that as terminal with no retry.
func FromHeaders(username, role string) (*Identity, error) {
	if username == "" {
		return nil, faults.Authentication("missing " + HeaderUsername + " header")
	}
	if err := ValidateSubject(username); err != nil {
		return nil, faults.Authentication("malformed " + HeaderUsername + " header")
	}
	if role == "" {
		return nil, faults.Authentication("missing " + HeaderRole + " header")
	}
	r, err := ParseRole(role)
	if err != nil {
		return nil, faults.Authentication("malformed " + HeaderRole + " header")
	}
	return &Identity{
		Subject:     username,
		Role:        r,
		Permissions: rolePermissions[r],
	}, nil
}

// Has reports whether the identity carries the permission.
func (id *Identity) Has(p Permission) bool {
	for _, have := range id.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// CanRead reports whether the identity may read records owned by subject.
// Students read only their own; teachers and admins read any record in the
// deployment.
func (id *Identity) CanRead(subject string) bool {
	if id.Subject == subject {
		return true
	}
	return id.Has(PermReadAny)
}

// CanExport reports whether the identity may export records owned by
// subject: the student itself, or a compliance-capable admin.
func (id *Identity) CanExport(subject string) bool {
	if id.Subject == subject {
		return true
	}
	return id.Has(PermComplianceErase)
}
