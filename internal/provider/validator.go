package provider

import "strings"

// Validator checks provider configurations before instances are built.
// Validation happens at two points: when a tenant saves a config, and
// again in the factory before constructing an adapter, so a row written
// by an older version still gets checked against current rules.
type Validator interface {
	ValidatePaymentConfig(name ProviderName, settings Settings) *ValidationResult
	ValidateCommerceConfig(name ProviderName, settings Settings) *ValidationResult
}

// DefaultValidator implements Validator with per-provider rules.
type DefaultValidator struct{}

// NewDefaultValidator creates a provider configuration validator.
func NewDefaultValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// ValidatePaymentConfig validates payment provider configuration.
func (v *DefaultValidator) ValidatePaymentConfig(name ProviderName, settings Settings) *ValidationResult {
	result := &ValidationResult{Valid: true}

	switch name {
	case ProviderNameStripe:
		requireStringPrefix(settings, "secret_key", "sk_", result)
	case ProviderNameMock:
		// No config required
	default:
		result.AddError("unknown payment provider: " + string(name))
	}

	return result
}

// ValidateCommerceConfig validates commerce provider configuration.
func (v *DefaultValidator) ValidateCommerceConfig(name ProviderName, settings Settings) *ValidationResult {
	result := &ValidationResult{Valid: true}

	switch name {
	case ProviderNameREST:
		base := requireString(settings, "base_url", result)
		if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			result.AddError("field base_url must be an http(s) URL")
		}
		requireString(settings, "api_key", result)
	case ProviderNameMock:
		// No config required
	default:
		result.AddError("unknown commerce provider: " + string(name))
	}

	return result
}

// requireString validates that a config field is a non-empty string.
func requireString(settings Settings, key string, result *ValidationResult) string {
	value, exists := settings[key]
	if !exists {
		result.AddError("missing required field: " + key)
		return ""
	}
	str, ok := value.(string)
	if !ok || str == "" {
		result.AddError("field " + key + " must be a non-empty string")
		return ""
	}
	return str
}

// requireStringPrefix validates that a config field is a string starting
// with the given prefix.
func requireStringPrefix(settings Settings, key, prefix string, result *ValidationResult) string {
	value := requireString(settings, key, result)
	if value != "" && !strings.HasPrefix(value, prefix) {
		result.AddError("field " + key + " must start with " + prefix)
		return ""
	}
	return value
}
