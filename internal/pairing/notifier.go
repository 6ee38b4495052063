package pairing

import (
	"sync"

	"github.com/openclaw/gateway-go/internal/model"
)

// Notifier receives pairing state transitions after they have been
// persisted. Implementations must not call back into the Store
// synchronously with a mutating operation.
type Notifier interface {
	PairingRequested(req model.PendingRequest, created bool)
	PairingApproved(device model.PairedDevice, requestID string)
	PairingRejected(result model.RejectResult)
}

// Fanout delivers each notification to every registered Notifier in
// registration order.
type Fanout struct {
	mu        sync.RWMutex
	notifiers []Notifier
}

func NewFanout(notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

func (f *Fanout) Add(n Notifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifiers = append(f.notifiers, n)
}

func (f *Fanout) snapshot() []Notifier {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Notifier, len(f.notifiers))
	copy(out, f.notifiers)
	return out
}

func (f *Fanout) PairingRequested(req model.PendingRequest, created bool) {
	for _, n := range f.snapshot() {
		n.PairingRequested(req, created)
	}
}

func (f *Fanout) PairingApproved(device model.PairedDevice, requestID string) {
	for _, n := range f.snapshot() {
		n.PairingApproved(device, requestID)
	}
}

func (f *Fanout) PairingRejected(result model.RejectResult) {
	for _, n := range f.snapshot() {
		n.PairingRejected(result)
	}
}

type nopNotifier struct{}

func (nopNotifier) PairingRequested(model.PendingRequest, bool) {}
func (nopNotifier) PairingApproved(model.PairedDevice, string) {}
func (nopNotifier) PairingRejected(model.RejectResult) {}
