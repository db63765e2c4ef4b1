package domain

import "github.com/shopspring/decimal"

// NotificationKind names an outbound event as clients see it.
type NotificationKind string

const (
	NotifyMoneySent     NotificationKind = "moneySentNotification"
	NotifyRequestMoney  NotificationKind = "requestMoneyNotification"
	NotifyAcceptMoney   NotificationKind = "acceptMoneyNotification"
	NotifyRejectMoney   NotificationKind = "rejectMoneyNotification"
	NotifyInsertedUser  NotificationKind = "insertedUser"
	NotifyUpdatedUser   NotificationKind = "updatedUser"
	NotifyDeletedUser   NotificationKind = "deletedUser"
	NotifyBlocked       NotificationKind = "blockedNotification"
	NotifyChangedStatus NotificationKind = "changedStatusNotification"

	// NotifyStored carries a replayed persisted notification.
	NotifyStored NotificationKind = "notification"
)

// InboundEvent names a client action arriving over a live connection.
type InboundEvent string

const (
	EventAuthenticate  InboundEvent = "authenticate"
	EventDisconnect    InboundEvent = "disconnect"
	EventSendMoney     InboundEvent = "sendMoney"
	EventRequestMoney  InboundEvent = "requestMoney"
	EventAcceptRequest InboundEvent = "acceptRequest"
	EventRejectRequest InboundEvent = "rejectRequest"
)

type MoneySentPayload struct {
	Sender string          `json:"sender"`
	Amount decimal.Decimal `json:"amount"`
}

// RequestMoneyPayload is sent to the target; Receiver is the requester.
type RequestMoneyPayload struct {
	RequestID string          `json:"request_id"`
	Receiver  string          `json:"receiver"`
	Amount    decimal.Decimal `json:"amount"`
}

// AcceptMoneyPayload is sent to the requester; Sender is the payer.
type AcceptMoneyPayload struct {
	RequestID string          `json:"request_id"`
	Sender    string          `json:"sender"`
	Amount    decimal.Decimal `json:"amount"`
}

type RejectMoneyPayload struct {
	RequestID   string          `json:"request_id"`
	Sender      string          `json:"sender"`
	Receiver    string          `json:"receiver"`
	Amount      decimal.Decimal `json:"amount"`
	WhoRejected RejectedBy      `json:"whoRejected"`
}

type UserPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type BlockedPayload struct {
	User string `json:"user"`
}

type ChangedStatusPayload struct {
	User   string `json:"user"`
	Status int    `json:"status"`
}
