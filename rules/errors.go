package rules

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidRuleFormat is returned when a rule definition is malformed or incomplete.
	ErrInvalidRuleFormat = errors.New("invalid rule format")

	// ErrConflict is returned by create when (tenant_id, rule_id) already exists.
	ErrConflict = errors.New("rule already exists")

	// ErrStorageUnavailable wraps store I/O failures and timeouts.
	ErrStorageUnavailable = errors.New("rule storage unavailable")

	// ErrInvalidArgument is returned for bad identifiers or request fields.
	ErrInvalidArgument = errors.New("invalid argument")
)

// RuleFormatError describes why a definition was rejected.
type RuleFormatError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *RuleFormatError) Error() string {
	switch {
	case e.RuleID != "" && e.Field != "":
		return fmt.Sprintf("invalid rule format: rule %q: %s: %s", e.RuleID, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid rule format: %s: %s", e.Field, e.Reason)
	default:
		return "invalid rule format: " + e.Reason
	}
}

func (e *RuleFormatError) Unwrap() error { return ErrInvalidRuleFormat }

func formatErr(ruleID, field, reason string, args ...any) error {
	return &RuleFormatError{RuleID: ruleID, Field: field, Reason: fmt.Sprintf(reason, args...)}
}

// storageErr marks err as a storage failure unless it already carries a
// domain meaning.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidRuleFormat) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out: %v", ErrStorageUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
