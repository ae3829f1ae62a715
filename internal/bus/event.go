package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. The prefix before the first dot is the namespace used by Subscribe.
const (
	KindStatusChanged = "session.status_changed"

	// Raw pub/sub traffic forwarded by the realtime bridge.
	KindPubSubMessage = "ps.message"
	KindPubSubSignal  = "ps.signal"
	KindPubSubAction  = "ps.action"
	KindPubSubStatus  = "ps.status"

	KindMessageUpserted      = "chat.message_upserted"
	KindConversationUpserted = "chat.conversation_upserted"
	KindTyping               = "chat.typing"
	KindReceiptFailed        = "chat.receipt_failed"

	KindSendAck    = "message.send_ack"
	KindSendFailed = "message.send_failed"

	KindRestoreCompleted = "sync.restore_completed"
	KindSyncCompleted    = "sync.completed"

	KindStoreChanged = "store.changed"

	KindCreditPaid     = "ledger.credit_paid"
	KindReceiptCreated = "ledger.receipt_created"
)

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
