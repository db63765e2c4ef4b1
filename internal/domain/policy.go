package domain

// Action is something an actor may attempt against a subject account.
type Action int

const (
	ActionListAccounts Action = iota
	ActionChangeStatus
	ActionCreateAdmin
	ActionViewAccount
	ActionUpdateAccount
	ActionDeleteAccount
	ActionViewNotifications
	ActionSendMoney
	ActionRequestMoney
	ActionAcceptRequest
	ActionRejectAsTarget
	ActionRejectAsRequester
)

// Allow reports whether actor may perform action on the account identified
// by subject. For request resolution, subject is the party the action
// belongs to: the target for accept and target-side reject, the requester
// for a requester-side reject.
func Allow(actor Actor, action Action, subject string) bool {
	if actor.Phone == "" || !actor.Role.Valid() {
		return false
	}
	isAdmin := actor.Role == RoleAdmin
	isOwner := actor.Phone == subject

	switch action {
	case ActionListAccounts, ActionChangeStatus, ActionCreateAdmin:
		return isAdmin
	case ActionViewAccount, ActionUpdateAccount, ActionDeleteAccount:
		return isAdmin || isOwner
	case ActionViewNotifications:
		return isOwner
	case ActionSendMoney, ActionRequestMoney,
		ActionAcceptRequest, ActionRejectAsTarget, ActionRejectAsRequester:
		return actor.Role == RoleAccountHolder && isOwner
	}
	return false
}
