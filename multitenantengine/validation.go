package multitenantengine

import (
	"fmt"
	"regexp"

	"github.com/liamcoop/tenantrules/rules"
)

const (
	maxIdentifierLength = 128
	maxContextFields    = 200
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.:-]*$`)

// ValidateTenantID checks a tenant identifier.
func ValidateTenantID(tenantID string) error {
	if err := validateIdentifier(tenantID); err != nil {
		return fmt.Errorf("%w: tenant_id %q: %v", rules.ErrInvalidArgument, tenantID, err)
	}
	return nil
}

// ValidateRuleID checks a rule identifier.
func ValidateRuleID(ruleID string) error {
	if err := validateIdentifier(ruleID); err != nil {
		return fmt.Errorf("%w: rule_id %q: %v", rules.ErrInvalidArgument, ruleID, err)
	}
	return nil
}

// ValidateRuleType checks a rule type name.
func ValidateRuleType(ruleType string) error {
	if err := validateIdentifier(ruleType); err != nil {
		return fmt.Errorf("%w: rule_type %q: %v", rules.ErrInvalidArgument, ruleType, err)
	}
	return nil
}

// ValidateContext checks an evaluation context before matching.
func ValidateContext(ctx rules.Values) error {
	if len(ctx) > maxContextFields {
		return fmt.Errorf("%w: context has %d fields, maximum allowed is %d",
			rules.ErrInvalidArgument, len(ctx), maxContextFields)
	}
	for field := range ctx {
		if field == "" {
			return fmt.Errorf("%w: context field names cannot be empty", rules.ErrInvalidArgument)
		}
	}
	return nil
}

// validateIdentifier enforces 1-128 characters of [A-Za-z0-9_.:-], not
// starting with '.', ':' or '-'.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern %s", identifierPattern)
	}
	return nil
}
