// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"testing"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
)

const (
	studentA = "student_aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	studentB = "student_bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
	teacherA = "teacher_cccccccc-cccc-cccc-cccc-cccccccccccc"
	adminA   = "admin_dddddddd-dddd-dddd-dddd-dddddddddddd"
)

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		wantErr bool
	}{
		{"valid student", studentA, false},
		{"valid teacher", teacherA, false},
		{"valid admin", adminA, false},
		{"empty", "", true},
		{"no prefix", "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", true},
		{"unknown prefix", "guest_aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", true},
		{"uppercase hex", "student_AAAAAAAA-aaaa-aaaa-aaaa-aaaaaaaaaaaa", true},
		{"truncated uuid", "student_aaaaaaaa-aaaa-aaaa-aaaa", true},
		{"injection attempt", "student_aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa'; DROP", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubject(tt.subject)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSubject(%q) error = %v, wantErr %v", tt.subject, err, tt.wantErr)
			}
		})
	}
}

func TestFromHeaders(t *testing.T) {
	tests := []struct {
		name     string
		username string
		role     string
		wantErr  bool
	}{
		{"student", studentA, "student", false},
		{"admin", adminA, "admin", false},
		{"missing username", "", "student", true},
		{"missing role", studentA, "", true},
		{"bad role", studentA, "superuser", true},
		{"malformed username", "student_zzz", "student", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := FromHeaders(tt.username, tt.role)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !faults.Is(err, faults.CodeAuthentication) {
					t.Errorf("error code = %q, want authentication_error", faults.CodeOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.Subject != tt.username {
				t.Errorf("Subject = %q, want %q", id.Subject, tt.username)
			}
		})
	}
}

func TestPermissions(t *testing.T) {
	student, err := FromHeaders(studentA, "student")
	if err != nil {
		t.Fatal(err)
	}
	teacher, err := FromHeaders(teacherA, "teacher")
	if err != nil {
		t.Fatal(err)
	}
	admin, err := FromHeaders(adminA, "admin")
	if err != nil {
		t.Fatal(err)
	}

	if !student.CanRead(studentA) {
		t.Error("student should read own records")
	}
	if student.CanRead(studentB) {
		t.Error("student must not read another student's records")
	}
	if !teacher.CanRead(studentB) {
		t.Error("teacher should read any record")
	}
	if teacher.Has(PermComplianceErase) {
		t.Error("teacher must not hold compliance:erase")
	}
	if !admin.Has(PermComplianceErase) || !admin.Has(PermAuditStream) {
		t.Error("admin missing compliance or audit permissions")
	}
	if !student.CanExport(studentA) {
		t.Error("student should export own records")
	}
	if student.CanExport(studentB) {
		t.Error("student must not export another student's records")
	}
	if !admin.CanExport(studentB) {
		t.Error("admin should export any student's records")
	}
}
