package atlas

import (
	"fmt"
	"strings"
)

// InvalidSpecError reports every invariant violation found in a Spec or
// SampleSpec. All violations are collected in one pass so a user sees the
// full list at once.
type InvalidSpecError struct {
	// Spec names the spec the validation started from.
	Spec string

	// Reasons lists every violation found, each prefixed with the spec it
	// belongs to.
	Reasons []string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid spec %s:\n  %s", e.Spec, strings.Join(e.Reasons, "\n  "))
}

// CyclicChainError reports a parent chain that revisits a spec.
type CyclicChainError struct {
	// Spec names the first spec seen twice along the walk.
	Spec string
}

func (e *CyclicChainError) Error() string {
	return fmt.Sprintf("cyclic atlas chain at %s", e.Spec)
}
