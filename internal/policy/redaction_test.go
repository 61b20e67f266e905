package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactCredentials(t *testing.T) {
	input := `401 unauthorized: Authorization: Bearer abc.def-123 token=eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJjMSJ9.sig`
	out := RedactCredentials(input)
	if strings.Contains(out, "abc.def-123") {
		t.Fatalf("bearer token leaked: %q", out)
	}
	if strings.Contains(out, "eyJhbGciOiJIUzI1NiJ9") {
		t.Fatalf("jwt leaked: %q", out)
	}
	if !strings.Contains(out, "[REDACTED_TOKEN]") {
		t.Fatalf("output missing jwt marker: %q", out)
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"short":            "****",
		"eyJhbGciOi.x.abcd": "****abcd",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
