package phone

import (
	"errors"
	"testing"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
)

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		expected string
		wantErr  bool
	}{
		{"already E.164", "+5511987654321", "+5511987654321", false},
		{"digits with country code", "5511987654321", "+5511987654321", false},
		{"local BR mobile", "11 98765-4321", "+5511987654321", false},
		{"formatted", "+55 (11) 98765-4321", "+5511987654321", false},
		{"empty", "", "", true},
		{"blank", "   ", "", true},
		{"garbage", "not-a-phone", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeE164(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tc.raw, got)
				}
				if !errors.Is(err, models.ErrInvalidPhone) {
					t.Errorf("expected ErrInvalidPhone, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.expected {
				t.Errorf("NormalizeE164(%q) = %q, want %q", tc.raw, got, tc.expected)
			}
		})
	}
}
