package utils

import (
	"testing"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		// Bare numbers (bytes)
		{"0", 0, false},
		{"1024", 1024, false},
		{"4194304", 4194304, false},

		// Bytes with unit
		{"100B", 100, false},
		{"1024 B", 1024, false},

		// Decimal (1000-based)
		{"1KB", 1000, false},
		{"1.5KB", 1500, false},
		{"1MB", 1000000, false},
		{"100MB", 100000000, false},
		{"1GB", 1000000000, false},

		// Binary (1024-based)
		{"1K", 1024, false},
		{"1KiB", 1024, false},
		{"1.5KiB", 1536, false},
		{"1M", 1048576, false},
		{"4MiB", 4194304, false},
		{"1.5MiB", 1572864, false},
		{"1GiB", 1073741824, false},

		// Case insensitive units
		{"4mib", 4194304, false},
		{"512kb", 512000, false},

		// Whitespace between value and unit
		{"4 MiB", 4194304, false},
		{"  4MiB  ", 4194304, false},

		// Errors
		{"", 0, true},
		{"abc", 0, true},
		{"4XB", 0, true},
		{"MiB", 0, true},
		{"-5MiB", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDataSize(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDataSize(%q) expected error, got %d", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDataSize(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParseDataSize(%q) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1 KiB"},
		{1536, "1.5 KiB"},
		{4194304, "4 MiB"},
		{1073741824, "1 GiB"},
		{-1, "invalid"},
	}

	for _, tt := range tests {
		if got := FormatDataSize(tt.input); got != tt.expected {
			t.Errorf("FormatDataSize(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, size := range []int64{1024, 4194304, 1073741824} {
		formatted := FormatDataSize(size)
		parsed, err := ParseDataSize(formatted)
		if err != nil {
			t.Fatalf("ParseDataSize(%q): %v", formatted, err)
		}
		if parsed != size {
			t.Errorf("round trip %d -> %q -> %d", size, formatted, parsed)
		}
	}
}
