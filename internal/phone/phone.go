// Package phone provides phone number normalization for the messaging layer.
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/EduardoSousaPO/agente-qualificador-ldc-sub000/internal/models"
)

// DefaultRegion is the region used when a raw number carries no country code.
// The advisory runs a Brazilian funnel, so bare local numbers parse as BR.
const DefaultRegion = "BR"

// NormalizeE164 validates a raw phone number and returns its canonical E.164
// form. Digit-only Brazilian exports (e.g. "5511987654321") are accepted by
// retrying with a leading plus.
func NormalizeE164(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", models.ErrInvalidPhone
	}

	number, err := phonenumbers.Parse(trimmed, DefaultRegion)
	if err == nil && phonenumbers.IsValidNumber(number) {
		return phonenumbers.Format(number, phonenumbers.E164), nil
	}

	if !strings.HasPrefix(trimmed, "+") {
		number, err = phonenumbers.Parse("+"+trimmed, DefaultRegion)
		if err == nil && phonenumbers.IsValidNumber(number) {
			return phonenumbers.Format(number, phonenumbers.E164), nil
		}
	}

	return "", fmt.Errorf("%w: %q", models.ErrInvalidPhone, raw)
}
