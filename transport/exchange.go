package transport

import (
	"context"

	"github.com/bleapdu/transport/apdu"
)

// exchangeEngine runs the single-in-flight request/response pipeline over a
// connected session. It does not own the session; it is handed one per call
// so that session teardown never blocks on an engine callback.
type exchangeEngine struct {
	cm    *connectionManager
	stack Stack
}

func newExchangeEngine(cm *connectionManager, stack Stack) *exchangeEngine {
	return &exchangeEngine{cm: cm, stack: stack}
}

// Exchange sends a, waits for the reassembled response (status word
// included), and returns it. At most one Exchange/Send runs per session at
// a time; a concurrent call observes ErrPendingActionOnDevice.
func (e *exchangeEngine) Exchange(ctx context.Context, s *session, a apdu.APDU) ([]byte, error) {
	if s.snapshotState() != StateConnected {
		return nil, ErrConnect("exchange attempted while not connected", nil)
	}
	if !s.tryBeginExchange() {
		return nil, ErrPendingActionOnDevice()
	}
	defer func() {
		s.endExchange()
		e.cm.maybeFinishDeferredDisconnect(context.Background(), s)
	}()

	notifications := e.drainStaleNotifications(s)

	if err := e.writeFrames(ctx, s, a); err != nil {
		return nil, err
	}
	if a.PreventChunking {
		// Fixed probe-style commands (e.g. the MTU probe) are handled by the
		// connection manager directly; Exchange always expects a framed
		// response.
		return nil, ErrRead("PreventChunking APDUs are not valid for Exchange", nil)
	}

	return e.awaitResponse(ctx, s, notifications)
}

// Send writes a without waiting for any response.
func (e *exchangeEngine) Send(ctx context.Context, s *session, a apdu.APDU) error {
	if s.snapshotState() != StateConnected {
		return ErrConnect("send attempted while not connected", nil)
	}
	if !s.tryBeginExchange() {
		return ErrPendingActionOnDevice()
	}
	defer func() {
		s.endExchange()
		e.cm.maybeFinishDeferredDisconnect(context.Background(), s)
	}()
	return e.writeFrames(ctx, s, a)
}

// drainStaleNotifications flushes any frames left over from a cancelled
// exchange so they are never misattributed to the next one.
func (e *exchangeEngine) drainStaleNotifications(s *session) <-chan NotificationEvent {
	ch := e.stack.Notifications(s.peripheral)
	for {
		select {
		case <-ch:
		default:
			return ch
		}
	}
}

func (e *exchangeEngine) writeFrames(ctx context.Context, s *session, a apdu.APDU) error {
	mtu := s.currentMTU()
	frames := a.Frames(mtu)
	char := s.family.WriteCharacteristic(s.canWriteWithoutResponse)
	withResponse := !s.canWriteWithoutResponse

	for _, frame := range frames {
		select {
		case <-ctx.Done():
			return ErrWrite("write cancelled", ctx.Err())
		case <-s.abortSignal():
			return ErrLowerLevel("peripheral disconnected while writing", nil)
		default:
		}
		if err := e.stack.WriteCharacteristic(ctx, s.peripheral, char, frame, withResponse); err != nil {
			return ErrWrite("characteristic write failed", err)
		}
	}
	return nil
}

func (e *exchangeEngine) awaitResponse(ctx context.Context, s *session, notifications <-chan NotificationEvent) ([]byte, error) {
	var frames [][]byte
	accumulated := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ErrRead("exchange cancelled while awaiting response", ctx.Err())
		case <-s.abortSignal():
			return nil, ErrLowerLevel("peripheral disconnected while awaiting response", nil)
		case ev, ok := <-notifications:
			if !ok {
				return nil, ErrLowerLevel("peripheral disconnected while awaiting response", nil)
			}
			frames = append(frames, ev.Data)
			if len(frames) == 1 {
				accumulated = max(0, len(ev.Data)-5)
			} else {
				accumulated += max(0, len(ev.Data)-3)
			}
			if apdu.IsComplete(frames, accumulated) {
				resp, err := apdu.Dechunk(frames)
				if err != nil {
					return nil, ErrRead("response reassembly failed", err)
				}
				return resp, nil
			}
		}
	}
}
