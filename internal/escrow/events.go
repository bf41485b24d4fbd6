package escrow

// Event names published after a transition commits.
const (
	EventOrderCreated    = "order_created"
	EventOrderDelivered  = "order_delivered"
	EventEscrowFinalized = "escrow_finalized"
	EventEscrowExtended  = "escrow_extended"
	EventDisputeOpened   = "dispute_opened"
	EventDisputeClaimed  = "dispute_claimed"
	EventDisputeResolved = "dispute_resolved"
	EventDisputeMessage  = "dispute_message"
)

// Notifier receives committed state changes addressed to the listed users.
// Publish must not block the caller.
type Notifier interface {
	Publish(eventType string, recipients []string, data any)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, []string, any) {}

func participants(e *Escrow) []string {
	return []string{e.BuyerID, e.VendorUserID}
}
