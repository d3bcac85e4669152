package core

import "errors"

// Engine error taxonomy. Callers match with errors.Is; every operation checks
// these conditions before the first mutation.
var (
	// ErrUnauthorized is returned when the principal lacks the role an operation needs.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned for unknown device, case, playbook, run or step ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidStep is returned at run start when a playbook declares an unknown step type.
	ErrInvalidStep = errors.New("invalid playbook step")
	// ErrApprovalRejected marks a run that ended because an approval step was rejected.
	// It describes an outcome, not a fault.
	ErrApprovalRejected = errors.New("approval rejected")
	// ErrInvalidParams is returned when a device action is missing or has malformed parameters.
	ErrInvalidParams = errors.New("invalid action parameters")
	// ErrUnknownAction is returned for device actions the EDR store does not implement.
	ErrUnknownAction = errors.New("unknown device action")
	// ErrInvalidSpeed is returned for live feed speed multipliers other than 1, 2 or 5.
	ErrInvalidSpeed = errors.New("invalid speed multiplier")
	// ErrNotWaiting is returned when approving or rejecting a step that is not waiting for a decision.
	ErrNotWaiting = errors.New("step is not waiting for approval")
)
