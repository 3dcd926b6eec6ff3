package services

import (
	"errors"
	"sync"
	"time"

	domain "github.com/storefront/api/internal/domain"
)

const (
	defaultPaymentSessionTTL = 2 * time.Hour
	// settledPaymentWindow bounds how long a paid session keeps answering
	// success for repeated redirects of the same payment view.
	settledPaymentWindow = 2 * time.Minute
)

// ErrPaymentSessionNotFound is returned for redirects of an unknown, expired
// or cancelled online checkout.
var ErrPaymentSessionNotFound = errors.New("checkout service: payment session not found")

// PaymentSession is an online checkout waiting for the processor redirect.
type PaymentSession struct {
	Draft     domain.OrderDraft
	Settled   bool
	CreatedAt time.Time
	SettledAt time.Time
}

// PaymentSessions tracks open online checkouts by user and order id.
type PaymentSessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]PaymentSession
}

// NewPaymentSessions returns an empty registry. Sessions expire ttl after
// registration; a non-positive ttl falls back to two hours.
func NewPaymentSessions(ttl time.Duration, clock func() time.Time) *PaymentSessions {
	if ttl <= 0 {
		ttl = defaultPaymentSessionTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &PaymentSessions{
		ttl:      ttl,
		now:      clock,
		sessions: make(map[string]PaymentSession),
	}
}

// Register opens a session for draft, replacing any session for the same order.
func (s *PaymentSessions) Register(draft domain.OrderDraft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.sessions[sessionKey(draft.UserID, draft.OrderID)] = PaymentSession{Draft: draft, CreatedAt: s.now()}
}

// Lookup returns the live session of userID for orderID.
func (s *PaymentSessions) Lookup(userID, orderID string) (PaymentSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionKey(userID, orderID)]
	if !ok || s.expired(session) {
		return PaymentSession{}, false
	}
	return session, true
}

// Settle marks the session paid. A settled session is kept only for a short
// window after the success redirect.
func (s *PaymentSessions) Settle(userID, orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(userID, orderID)
	session, ok := s.sessions[key]
	if !ok || s.expired(session) {
		return false
	}
	if !session.Settled {
		session.Settled = true
		session.SettledAt = s.now()
		s.sessions[key] = session
	}
	return true
}

// Discard drops the session, for a cancelled payment.
func (s *PaymentSessions) Discard(userID, orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(userID, orderID))
}

// Len returns the number of live sessions.
func (s *PaymentSessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.sessions)
}

func (s *PaymentSessions) expired(session PaymentSession) bool {
	now := s.now()
	if session.Settled && now.Sub(session.SettledAt) > settledPaymentWindow {
		return true
	}
	return now.Sub(session.CreatedAt) > s.ttl
}

func (s *PaymentSessions) pruneLocked() {
	for key, session := range s.sessions {
		if s.expired(session) {
			delete(s.sessions, key)
		}
	}
}

func sessionKey(userID, orderID string) string {
	return userID + "|" + orderID
}
