package authcore

import (
	"strings"
	"testing"
)

func TestBackupCodeAlphabetAvoidsAmbiguity(t *testing.T) {
	for _, r := range "IO01" {
		if strings.ContainsRune(backupCodeAlphabet, r) {
			t.Fatalf("alphabet must not contain %q", r)
		}
	}
}

func TestNewBackupCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := newBackupCode(8)
		if err != nil {
			t.Fatalf("newBackupCode failed: %v", err)
		}
		if len(code) != 8 {
			t.Fatalf("len = %d, want 8", len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune(backupCodeAlphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
		if seen[code] {
			t.Fatalf("duplicate code %q in 100 draws", code)
		}
		seen[code] = true
	}
}

func TestFormatBackupCode(t *testing.T) {
	if got := formatBackupCode("ABCD2345"); got != "ABCD-2345" {
		t.Fatalf("got %q, want ABCD-2345", got)
	}
	// short codes are left alone
	if got := formatBackupCode("ABCD"); got != "ABCD" {
		t.Fatalf("got %q, want ABCD", got)
	}
}

func TestCanonicalizeBackupCode(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"ABCD-2345", "ABCD2345"},
		{"abcd-2345", "ABCD2345"},
		{" abcd 2345 ", "ABCD2345"},
		{"ABCD2345", "ABCD2345"},
	}
	for _, tc := range cases {
		if got := canonicalizeBackupCode(tc.in); got != tc.want {
			t.Fatalf("canonicalizeBackupCode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBackupCodeHashIsSaltedByUser(t *testing.T) {
	a := backupCodeHash("user-a", "ABCD2345")
	b := backupCodeHash("user-b", "ABCD2345")
	if a == b {
		t.Fatal("the same code must hash differently per user")
	}
	if a != backupCodeHash("user-a", "ABCD2345") {
		t.Fatal("hash must be deterministic")
	}
}
