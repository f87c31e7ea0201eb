package authz

import "testing"

func TestMayAccess(t *testing.T) {
	if err := MayAccess("user-1", "user-1"); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}
	if err := MayAccess("user-2", "user-1"); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := MayAccess("", "user-1"); err != ErrForbidden {
		t.Fatalf("anonymous caller must be rejected, got %v", err)
	}
	if err := MayAccess("  ", ""); err != ErrForbidden {
		t.Fatalf("blank caller must be rejected, got %v", err)
	}
}
