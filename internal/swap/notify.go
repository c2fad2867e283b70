package swap

import "strconv"

// EventSwapState is broadcast whenever a swap changes state or is removed.
const EventSwapState = "swap_state"

// Notifier pushes swap events to connected clients.
type Notifier interface {
	Broadcast(eventType string, data interface{})
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Broadcast(string, interface{}) {}

// StateChange is the payload of EventSwapState.
type StateChange struct {
	Direction   Direction `json:"direction"`
	PaymentHash string    `json:"paymentHash"`
	State       string    `json:"state"`
	Removed     bool      `json:"removed,omitempty"`
}

// NotifyState announces b's current state.
func (d *Deps) NotifyState(b *Base) {
	d.notify(b, false)
}

// NotifyRemoved announces that b was deleted.
func (d *Deps) NotifyRemoved(b *Base) {
	d.notify(b, true)
}

func (d *Deps) notify(b *Base, removed bool) {
	if d.Notifier == nil {
		return
	}
	d.Notifier.Broadcast(EventSwapState, StateChange{
		Direction:   b.Direction,
		PaymentHash: b.PaymentHash.String(),
		State:       strconv.Itoa(int(b.State)),
		Removed:     removed,
	})
}
