package validation

import (
	"strings"
	"testing"
)

func TestIsValidID(t *testing.T) {
	valid := []string{"app-1", "INV-2025-001", "txn_42", "a", strings.Repeat("x", 120)}
	for _, s := range valid {
		if !IsValidID(s) {
			t.Errorf("IsValidID(%q) = false, want true", s)
		}
	}

	invalid := []string{"", "has space", "tab\there", "new\nline", "Ünïcode", strings.Repeat("x", 121)}
	for _, s := range invalid {
		if IsValidID(s) {
			t.Errorf("IsValidID(%q) = true, want false", s)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello  ", 100); got != "hello" {
		t.Errorf("trim: %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("truncate: %q", got)
	}
	if got := SanitizeString("a\x00b", 100); got != "ab" {
		t.Errorf("null bytes: %q", got)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("transaction_id", ""),
		Required("reference", "INV-001"),
		ValidID("transaction_id", "bad id"),
		MaxLength("county", strings.Repeat("x", 200), 100),
	)
	if len(errs) != 3 {
		t.Fatalf("errors = %d, want 3: %v", len(errs), errs)
	}
	if errs[0].Field != "transaction_id" || errs[0].Message != "is required" {
		t.Errorf("first error: %+v", errs[0])
	}

	if errs := Validate(Required("reference", "INV-001"), ValidID("id", "ok-1")); len(errs) != 0 {
		t.Errorf("clean input produced errors: %v", errs)
	}
}

func TestValidIDAllowsEmpty(t *testing.T) {
	// Optional fields skip the shape check when absent.
	if err := ValidID("county", "")(); err != nil {
		t.Errorf("empty optional field rejected: %+v", err)
	}
}

func TestValidationErrorsError(t *testing.T) {
	var empty ValidationErrors
	if empty.Error() != "validation failed" {
		t.Errorf("empty error string: %q", empty.Error())
	}
	errs := ValidationErrors{{Field: "amount", Message: "is required"}}
	if errs.Error() != "amount: is required" {
		t.Errorf("error string: %q", errs.Error())
	}
}
