// Package provider resolves the payment and commerce adapter a tenant's
// tasks should run against. Tenant credentials live encrypted in the
// tenant_provider_configs table; the registry decrypts them, builds the
// concrete adapter through the factory, and caches the instance.
package provider

import "fmt"

// ProviderName identifies a concrete adapter implementation.
type ProviderName string

const (
	// Payment providers
	ProviderNameStripe ProviderName = "stripe"

	// Commerce providers
	ProviderNameREST ProviderName = "rest"

	// Mock serves both kinds for tests and local runs
	ProviderNameMock ProviderName = "mock"
)

// IsValidProviderNameForType checks if a provider name is valid for the
// given provider type. This prevents mismatched configurations (e.g.
// pointing a tenant's payment config at the commerce gateway).
func IsValidProviderNameForType(name ProviderName, providerType string) bool {
	switch providerType {
	case "payment":
		return name == ProviderNameStripe || name == ProviderNameMock
	case "commerce":
		return name == ProviderNameREST || name == ProviderNameMock
	}
	return false
}

// Settings is a decrypted provider configuration blob. Values are the
// result of unmarshaling the credential JSON, so strings arrive as
// string and numbers as float64.
type Settings map[string]any

// String returns the string value for key, or "" when absent or not a
// string.
func (s Settings) String(key string) string {
	v, ok := s[key]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// ValidationResult collects configuration problems found before an
// adapter is built.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// AddError adds an error message to the validation result.
func (v *ValidationResult) AddError(err string) {
	v.Valid = false
	v.Errors = append(v.Errors, err)
}

// Err folds the result into a single error, nil when valid.
func (v *ValidationResult) Err(providerType string) error {
	if v.Valid {
		return nil
	}
	return fmt.Errorf("%s config validation failed: %v", providerType, v.Errors)
}
