package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"", true, true},
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"OFF", true, false},
		{"banana", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.value)
			if got := ParseBoolEnv("TEST_BOOL", tt.def); got != tt.expected {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
			}
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := ParseIntEnv("TEST_INT", 7); got != 42 {
		t.Errorf("ParseIntEnv = %d, want 42", got)
	}
	t.Setenv("TEST_INT", "not-a-number")
	if got := ParseIntEnv("TEST_INT", 7); got != 7 {
		t.Errorf("invalid value should fall back to default, got %d", got)
	}
	t.Setenv("TEST_INT", "")
	if got := ParseIntEnv("TEST_INT", 7); got != 7 {
		t.Errorf("unset value should fall back to default, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TEST_DUR", "5m")
	if got := ParseDurationEnv("TEST_DUR", time.Second, time.Minute); got != 5*time.Minute {
		t.Errorf("ParseDurationEnv = %v, want 5m", got)
	}
	t.Setenv("TEST_DUR", "300")
	if got := ParseDurationEnv("TEST_DUR", time.Second, time.Minute); got != 300*time.Second {
		t.Errorf("bare integer should use the unit, got %v", got)
	}
	t.Setenv("TEST_DUR", "soon")
	if got := ParseDurationEnv("TEST_DUR", time.Second, time.Minute); got != time.Minute {
		t.Errorf("invalid value should fall back to default, got %v", got)
	}
}

func TestParseListEnv(t *testing.T) {
	t.Setenv("TEST_LIST", "terça às 10h, quinta às 16h ,")
	got := ParseListEnv("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "terça às 10h" || got[1] != "quinta às 16h" {
		t.Errorf("ParseListEnv = %v", got)
	}
	t.Setenv("TEST_LIST", "")
	def := []string{"a"}
	if got := ParseListEnv("TEST_LIST", def); len(got) != 1 || got[0] != "a" {
		t.Errorf("unset value should fall back to default, got %v", got)
	}
}

func TestGetEnvDefault(t *testing.T) {
	t.Setenv("TEST_STR", " value ")
	if got := GetEnvDefault("TEST_STR", "def"); got != "value" {
		t.Errorf("GetEnvDefault = %q, want trimmed value", got)
	}
	t.Setenv("TEST_STR", "  ")
	if got := GetEnvDefault("TEST_STR", "def"); got != "def" {
		t.Errorf("blank value should fall back to default, got %q", got)
	}
}
