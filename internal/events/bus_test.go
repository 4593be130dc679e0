package events

import (
	"testing"
	"time"
)

func TestBus_DeliversToMatchingSubscriber(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe(TypeCertIssued)
	defer cancel()

	b.Publish(TypeCertIssued, "cert-1")
	b.Publish(TypePairingCompleted, "ignored")

	select {
	case ev := <-ch:
		if ev.Type != TypeCertIssued {
			t.Fatalf("expected %s, got %s", TypeCertIssued, ev.Type)
		}
		if ev.Payload != "cert-1" {
			t.Fatalf("unexpected payload: %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %v", ev.Type)
	default:
	}
}

func TestBus_SubscribeAllTypes(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(TypeAuditAlert, nil)

	select {
	case ev := <-ch:
		if ev.Type != TypeAuditAlert {
			t.Fatalf("expected %s, got %s", TypeAuditAlert, ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_CancelIdempotent(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, cancel := b.Subscribe(TypeAuditEntry)
	cancel()
	cancel()
}

func TestBus_CloseIdempotent(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe()
	b.Close()
	b.Close()

	if _, open := <-ch; open {
		t.Fatal("expected subscriber channel closed after bus close")
	}

	// publishing after close must not panic
	b.Publish(TypeAuditEntry, nil)
}
