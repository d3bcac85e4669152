package core

import (
	"fmt"
	"strings"
)

// Role is a caller privilege level. Higher roles include the lower ones.
type Role int

const (
	RoleViewer Role = iota
	RoleAnalyst
	RoleResponder
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleAnalyst:
		return "analyst"
	case RoleResponder:
		return "responder"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole converts a role name. Unknown names are an error so a typo in
// config never silently grants or removes privileges.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewer":
		return RoleViewer, nil
	case "analyst":
		return RoleAnalyst, nil
	case "responder":
		return RoleResponder, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleViewer, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// Principal is the acting user of an operation.
type Principal struct {
	Name string `json:"name" yaml:"name"`
	Role Role   `json:"role" yaml:"role"`
}

// Operation names checked by an Authorizer.
const (
	OpPlaybookStart  = "playbook.start"
	OpPlaybookDecide = "playbook.decide"
	OpFeedControl    = "feed.control"
	OpWebhookRetry   = "webhook.retry"
)

// DeviceOp returns the operation name for a device action.
func DeviceOp(action DeviceAction) string {
	return "device." + string(action)
}

// Authorizer decides whether a principal may perform an operation.
type Authorizer interface {
	Authorize(p Principal, op string) error
}

// RoleAuthorizer grants an operation when the principal's role is at least
// the required role. Operations without an entry require Default.
type RoleAuthorizer struct {
	Required map[string]Role
	Default  Role
}

// DefaultRoleAuthorizer returns the built-in privilege table: containment
// and playbook operations need a responder, observation actions an analyst.
func DefaultRoleAuthorizer() *RoleAuthorizer {
	return &RoleAuthorizer{
		Required: map[string]Role{
			DeviceOp(ActionIsolate):        RoleResponder,
			DeviceOp(ActionRelease):        RoleResponder,
			DeviceOp(ActionKillProcess):    RoleResponder,
			DeviceOp(ActionQuarantineFile): RoleResponder,
			DeviceOp(ActionBlockIP):        RoleResponder,
			DeviceOp(ActionBlockDomain):    RoleResponder,
			DeviceOp(ActionAVScan):         RoleAnalyst,
			DeviceOp(ActionCollectTriage):  RoleAnalyst,
			OpPlaybookStart:                RoleResponder,
			OpPlaybookDecide:               RoleResponder,
			OpFeedControl:                  RoleAnalyst,
			OpWebhookRetry:                 RoleResponder,
		},
		Default: RoleAdmin,
	}
}

// Authorize implements Authorizer.
func (a *RoleAuthorizer) Authorize(p Principal, op string) error {
	need, ok := a.Required[op]
	if !ok {
		need = a.Default
	}
	if p.Role < need {
		return fmt.Errorf("%s requires role %s, %q has %s: %w", op, need, p.Name, p.Role, ErrUnauthorized)
	}
	return nil
}

// Override replaces the required role for op.
func (a *RoleAuthorizer) Override(op string, role Role) {
	if a.Required == nil {
		a.Required = make(map[string]Role)
	}
	a.Required[op] = role
}
