// Package events provides a typed in-process event bus with a closed set of
// event variants, replacing string-keyed dynamic subscription.
package events

import (
	"sync"
	"time"
)

// Type identifies an event variant. The set below is closed: components only
// publish types declared here, so consumers are statically known.
type Type string

const (
	TypeCertIssued       Type = "cert:issued"
	TypeCertRotated      Type = "cert:rotated"
	TypeCertRevoked      Type = "cert:revoked"
	TypeCertExpiringSoon Type = "cert:expiring-soon"

	TypePairingInitiated Type = "pairing:initiated"
	TypePairingCompleted Type = "pairing:completed"
	TypePairingFailed    Type = "pairing:failed"
	TypePairingCancelled Type = "pairing:cancelled"
	TypeDeviceUnpaired   Type = "device:unpaired"

	TypeSessionEstablished Type = "e2e:session:established"
	TypeSessionTerminated  Type = "e2e:session:terminated"
	TypeKeyRotated         Type = "e2e:key:rotated"

	TypePermissionRequested Type = "permission:requested"
	TypePermissionGranted   Type = "permission:granted"
	TypePermissionDenied    Type = "permission:denied"
	TypePermissionRevoked   Type = "permission:revoked"
	TypePermissionExpired   Type = "permission:expired"

	TypeRateLimitExceeded Type = "rate-limit:exceeded"

	TypeSandboxScanned Type = "sandbox:scanned"
	TypeSandboxBlocked Type = "sandbox:blocked"
	TypeScanCompleted  Type = "security:scan:completed"

	TypeAuditEntry Type = "audit:entry"
	TypeAuditAlert Type = "audit:alert"
)

// Event is a single published notification.
type Event struct {
	Type    Type
	Time    time.Time
	Payload any
}

const subscriberBuffer = 64

type subscriber struct {
	ch    chan Event
	types map[Type]struct{} // empty means all types
}

// Bus fans published events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event, so consumers that care
// about completeness must drain promptly.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in the given event types (all types when none
// are given). The returned cancel func unsubscribes and closes the channel;
// calling it more than once is a no-op.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	sub := &subscriber{
		ch:    make(chan Event, subscriberBuffer),
		types: make(map[Type]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(t Type, payload any) {
	ev := Event{Type: t, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if len(sub.types) > 0 {
			if _, ok := sub.types[t]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
