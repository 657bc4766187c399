package transport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bleapdu/transport/apdu"
	"github.com/bleapdu/transport/catalogue"
)

func testPeripheral() PeripheralIdentifier {
	return PeripheralIdentifier{UUID: uuid.New(), Name: "test-device"}
}

func connectedTransport(t *testing.T) (*Transport, *fakeStack) {
	t.Helper()
	p := testPeripheral()
	family := entryForFamily(catalogue.FamilyX)
	fs := newFakeStack(p, family)
	fs.responder = mtuResponder(153)

	tr := New(DefaultConfig(), fs)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.ConnectByID(ctx, p, catalogue.FamilyX); err != nil {
		t.Fatalf("ConnectByID failed: %v", err)
	}
	if got := tr.State(); got != StateConnected {
		t.Fatalf("State() = %v, want Connected", got)
	}
	return tr, fs
}

func TestConnectNegotiatesMTU(t *testing.T) {
	tr, _ := connectedTransport(t)
	s := tr.cm.CurrentSession()
	if s.currentMTU() != 153 {
		t.Fatalf("negotiated MTU = %d, want 153", s.currentMTU())
	}
}

func TestExchangeSimple(t *testing.T) {
	tr, fs := connectedTransport(t)
	fs.responder = singleFrameResponder(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := tr.Exchange(ctx, apdu.New([]byte{0xE0, 0xD8, 0x00, 0x00, 0x07}))
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	word, ok := apdu.StatusWord(resp)
	if !ok || word != 0x9000 {
		t.Fatalf("StatusWord = (%#x, %v), want (0x9000, true)", word, ok)
	}
}

func TestExchangeRejectsConcurrentCalls(t *testing.T) {
	tr, fs := connectedTransport(t)
	// Responder that never replies, so the first Exchange blocks.
	fs.responder = func([]byte) []NotificationEvent { return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = tr.Exchange(ctx, apdu.New([]byte{0x00, 0x00}))
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	_, err := tr.Exchange(ctx, apdu.New([]byte{0x00, 0x00}))
	if !IsID(err, "TransportRaceCondition") {
		t.Fatalf("Exchange while pending = %v, want TransportRaceCondition", err)
	}
}

func TestExchangeCancellation(t *testing.T) {
	tr, fs := connectedTransport(t)
	fs.responder = func([]byte) []NotificationEvent { return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Exchange(ctx, apdu.New([]byte{0x00, 0x00}))
	if err == nil {
		t.Fatal("expected cancellation error, got nil")
	}
}

func TestDeferredDisconnect(t *testing.T) {
	tr, fs := connectedTransport(t)
	fs.responder = func([]byte) []NotificationEvent { return nil } // no auto-reply

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		_, _ = tr.Exchange(ctx, apdu.New([]byte{0x00, 0x00}))
		close(done)
	}()

	// Wait until the exchange has claimed the busy flag before disconnecting.
	deadline := time.Now().Add(time.Second)
	for !tr.cm.CurrentSession().isExchangeActive() {
		if time.Now().After(deadline) {
			t.Fatal("exchange never became active")
		}
		time.Sleep(time.Millisecond)
	}

	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect returned error: %v", err)
	}
	if tr.cm.CurrentSession() == nil {
		t.Fatal("session torn down before in-flight exchange resolved")
	}

	// Deliver the response so the exchange completes and the deferred
	// disconnect can run.
	fs.notifyCh <- singleFrameResponder(nil)(nil)[0]
	<-done

	deadline = time.Now().Add(time.Second)
	for tr.cm.CurrentSession() != nil {
		if time.Now().After(deadline) {
			t.Fatal("expected session to be torn down after deferred disconnect resolved")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDisconnectCallbackFiresOnce(t *testing.T) {
	tr, _ := connectedTransport(t)
	var fired int
	tr.OnDisconnect(func(PeripheralIdentifier, DisconnectReason) { fired++ })

	ctx := context.Background()
	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if fired != 1 {
		t.Fatalf("disconnect callback fired %d times, want 1", fired)
	}
}

func TestDisconnectCallbacksClearAfterFiring(t *testing.T) {
	tr, fs := connectedTransport(t)
	var fired int
	tr.OnDisconnect(func(PeripheralIdentifier, DisconnectReason) { fired++ })

	ctx := context.Background()
	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("first Disconnect failed: %v", err)
	}
	if fired != 1 {
		t.Fatalf("disconnect callback fired %d times after first disconnect, want 1", fired)
	}

	fs.responder = mtuResponder(153)
	if err := tr.ConnectByID(ctx, fs.peripheral, fs.family.Family); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}
	if fired != 1 {
		t.Fatalf("disconnect callback fired %d times after second disconnect, want still 1 (registrations should clear after firing)", fired)
	}
}

func TestUnexpectedDisconnectAbortsExchange(t *testing.T) {
	tr, fs := connectedTransport(t)
	fs.responder = func([]byte) []NotificationEvent { return nil } // no auto-reply

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Exchange(ctx, apdu.New([]byte{0x00, 0x00}))
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !tr.cm.CurrentSession().isExchangeActive() {
		if time.Now().After(deadline) {
			t.Fatal("exchange never became active")
		}
		time.Sleep(time.Millisecond)
	}

	fs.triggerUnexpectedDisconnect()

	select {
	case err := <-errCh:
		if !IsID(err, "LowerLevelError") {
			t.Fatalf("Exchange aborted by unexpected disconnect = %v, want LowerLevelError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("exchange did not abort after unexpected disconnect")
	}
}
