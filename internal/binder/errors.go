package binder

import (
	"fmt"

	"github.com/specialistvlad/promptgrid/internal/workflow"
)

// UnknownTargetError is returned when a directive names a node the template
// does not contain.
type UnknownTargetError struct {
	Index  int
	Target string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("directive %d: node %q does not exist in the workflow", e.Index, e.Target)
}

// UnsupportedParameterError is returned when no rule maps the directive's
// parameter kind onto the target node's kind.
type UnsupportedParameterError struct {
	Index    int
	Target   string
	Kind     workflow.ParameterKind
	NodeKind string
}

func (e *UnsupportedParameterError) Error() string {
	return fmt.Sprintf("directive %d: parameter %q is not supported on node %q of kind %q", e.Index, e.Kind, e.Target, e.NodeKind)
}

// InvalidValueError is returned when a directive's value cannot be coerced to
// the type its parameter kind requires.
type InvalidValueError struct {
	Index  int
	Target string
	Kind   workflow.ParameterKind
	Value  any
	Reason string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("directive %d: invalid %s value %v for node %q: %s", e.Index, e.Kind, e.Value, e.Target, e.Reason)
}
