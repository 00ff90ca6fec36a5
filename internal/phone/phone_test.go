package phone

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected Number
	}{
		{"+15551234567", "+15551234567"},
		{"15551234567", "+15551234567"},
		{"+1 (555) 123-4567", "+15551234567"},
		{"1.555.123.4567", "+15551234567"},
		{"  +15551234567  ", "+15551234567"},
		{"", ""},
		{"abc", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.input); got != tt.expected {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{"+15551234567", "5878675309", "+44 20 7946 0958", ""}
	for _, input := range inputs {
		once := Normalize(input)
		twice := Normalize(string(once))
		if once != twice {
			t.Fatalf("Normalize not idempotent for %q: %q != %q", input, once, twice)
		}
	}
}

func TestLocalpart(t *testing.T) {
	t.Parallel()

	if got := Normalize("+15551234567").Localpart(); got != "15551234567" {
		t.Fatalf("Localpart = %q, want 15551234567", got)
	}
	if got := Number("").Localpart(); got != "" {
		t.Fatalf("Localpart of empty number = %q, want empty", got)
	}
}
