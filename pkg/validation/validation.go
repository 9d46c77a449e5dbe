package validation

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	MinRetries = 0
	MaxRetries = 10
)

// Login types accepted by the credential-issuing backend.
const (
	LoginTypePersonal     = "personal"
	LoginTypeOrganization = "organization"
)

func ValidateNonEmptyString(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	return nil
}

func ValidateRetryCount(fieldName string, n int) error {
	if n < MinRetries || n > MaxRetries {
		return fmt.Errorf("%s must be between %d and %d, got %d", fieldName, MinRetries, MaxRetries, n)
	}
	return nil
}

func ValidatePositiveDuration(fieldName string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", fieldName, d)
	}
	return nil
}

func ValidateLoginType(loginType string) error {
	switch loginType {
	case LoginTypePersonal, LoginTypeOrganization:
		return nil
	default:
		return fmt.Errorf("invalid login type: %s (must be one of: %s, %s)", loginType, LoginTypePersonal, LoginTypeOrganization)
	}
}

// ValidateBaseURL accepts absolute http and https URLs only.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base URL %q: missing host", raw)
	}
	return nil
}
