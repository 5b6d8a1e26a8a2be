package message

// Role identifies who is asking for an action.
type Role string

const (
	// RoleSender is the submitting client acting on its own mail.
	RoleSender Role = "sender"
	// RoleOperator is the privileged operations role. Every operator
	// action is audit-logged with the actor identity.
	RoleOperator Role = "operator"
)

// Action is an explicit operation a caller may invoke against a message
// in its current status.
type Action string

const (
	ActionForceAccept      Action = "force_accept"
	ActionPushToQueue      Action = "push_to_queue"
	ActionForcePushToQueue Action = "force_push_to_queue"
	ActionRetryFailed      Action = "retry_failed"
	ActionRetryBounced     Action = "retry_bounced"
	ActionCancel           Action = "cancel"
)

// Privileged reports whether the action requires the operator role.
func (a Action) Privileged() bool {
	switch a {
	case ActionForceAccept, ActionForcePushToQueue, ActionRetryBounced:
		return true
	}
	return false
}

// AvailableActions returns the set of actions callable for a message in
// the given status by the given role. Pure function; rendering and
// authorization layers consume it, nothing here dispatches.
func AvailableActions(s Status, role Role) []Action {
	var actions []Action

	switch s {
	case StatusDraft:
		actions = append(actions, ActionCancel)
		if role == RoleOperator {
			actions = append(actions, ActionForceAccept)
		}
	case StatusAccepted:
		actions = append(actions, ActionCancel)
		if role == RoleOperator {
			actions = append(actions, ActionPushToQueue)
		}
	case StatusBlocked:
		if role == RoleOperator {
			actions = append(actions, ActionForceAccept)
		}
	case StatusQueued, StatusDeferred:
		if role == RoleOperator {
			actions = append(actions, ActionForcePushToQueue)
		}
	case StatusFailed:
		actions = append(actions, ActionRetryFailed)
	case StatusBounced:
		if role == RoleOperator {
			actions = append(actions, ActionRetryBounced)
		}
	}

	return actions
}
