package transport

import (
	"sync"

	"github.com/bleapdu/transport/catalogue"
)

// State enumerates the connection manager's lifecycle states.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscoveringServices
	StateSubscribingNotify
	StateNegotiatingMTU
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateDiscoveringServices:
		return "DiscoveringServices"
	case StateSubscribingNotify:
		return "SubscribingNotify"
	case StateNegotiatingMTU:
		return "NegotiatingMTU"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// session holds everything the connection manager and exchange engine share
// about one connected peripheral. Its methods are called from several
// goroutines (callers, the exchange engine, the stack's disconnect callback),
// so every field that changes after construction is read and written under
// mu; peripheral, family and canWriteWithoutResponse are set only by
// newSession and are read without the lock.
type session struct {
	mu sync.Mutex

	peripheral              PeripheralIdentifier
	family                  catalogue.Entry
	state                   State
	mtu                     int
	canWriteWithoutResponse bool

	deferredDisconnect bool
	exchangeActive     bool

	aborted bool
	abortCh chan struct{}
}

func newSession(p PeripheralIdentifier, family catalogue.Entry) *session {
	return &session{
		peripheral: p,
		family:     family,
		state:      StateConnecting,
		mtu:        apduDefaultMTU,
		abortCh:    make(chan struct{}),
	}
}

const apduDefaultMTU = 20

func (s *session) snapshotState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) setMTU(mtu int) {
	s.mu.Lock()
	s.mtu = mtu
	s.mu.Unlock()
}

func (s *session) currentMTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

func (s *session) tryBeginExchange() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchangeActive {
		return false
	}
	s.exchangeActive = true
	return true
}

func (s *session) endExchange() {
	s.mu.Lock()
	s.exchangeActive = false
	s.mu.Unlock()
}

func (s *session) isExchangeActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchangeActive
}

func (s *session) requestDeferredDisconnect() {
	s.mu.Lock()
	s.deferredDisconnect = true
	s.mu.Unlock()
}

func (s *session) consumeDeferredDisconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.deferredDisconnect
	s.deferredDisconnect = false
	return v
}

// abort signals any in-flight exchange to stop waiting: the peripheral
// disconnected unexpectedly out from under it. Safe to call at most once
// per session, which handleUnexpectedDisconnect guarantees.
func (s *session) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		s.aborted = true
		close(s.abortCh)
	}
}

// abortSignal is closed once abort is called.
func (s *session) abortSignal() <-chan struct{} {
	return s.abortCh
}
