package reconciliation

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/models"
	"ledger-allocation-backend/internal/services/matching"
)

type SuggestionState string

const (
	StateProposed  SuggestionState = "proposed"
	StateConfirmed SuggestionState = "confirmed"
	StateSkipped   SuggestionState = "skipped"
)

// Suggestion is the computed candidate set for one payment. It is never
// written to the database.
type Suggestion struct {
	PaymentID   uuid.UUID             `json:"payment_id"`
	PaymentDate time.Time             `json:"payment_date"`
	PaymentNote string                `json:"payment_note"`
	Direction   models.Direction      `json:"direction"`
	Unallocated decimal.Decimal       `json:"unallocated"`
	Reason      matching.Reason       `json:"reason"`
	Candidates  []matching.Candidate  `json:"candidates"`
	State       SuggestionState       `json:"state"`
	Obligation  *models.ObligationRef `json:"confirmed_obligation,omitempty"`
}

type session struct {
	suggestions []Suggestion
	byPayment   map[uuid.UUID]int
	expiresAt   time.Time
}

// SessionStore keeps the suggestions of recent runs in memory until their
// TTL passes.
type SessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[uuid.UUID]*session
	now      func() time.Time
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		ttl:      ttl,
		sessions: make(map[uuid.UUID]*session),
		now:      time.Now,
	}
}

// Put replaces the session of runID.
func (s *SessionStore) Put(runID uuid.UUID, suggestions []Suggestion) {
	sess := &session{
		suggestions: make([]Suggestion, len(suggestions)),
		byPayment:   make(map[uuid.UUID]int, len(suggestions)),
	}
	copy(sess.suggestions, suggestions)
	for i := range sess.suggestions {
		sess.suggestions[i].State = StateProposed
		sess.byPayment[sess.suggestions[i].PaymentID] = i
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	sess.expiresAt = s.now().Add(s.ttl)
	s.sessions[runID] = sess
}

// Get returns a copy of the suggestions of runID.
func (s *SessionStore) Get(runID uuid.UUID) ([]Suggestion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	sess, ok := s.sessions[runID]
	if !ok {
		return nil, false
	}
	out := make([]Suggestion, len(sess.suggestions))
	copy(out, sess.suggestions)
	return out, true
}

// Lookup returns the suggestion for paymentID within runID while it is
// still proposed.
func (s *SessionStore) Lookup(runID, paymentID uuid.UUID) (Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, err := s.proposedLocked(runID, paymentID)
	if err != nil {
		return Suggestion{}, err
	}
	return *sg, nil
}

// Confirm records that paymentID's suggestion became an allocation against
// ref.
func (s *SessionStore) Confirm(runID, paymentID uuid.UUID, ref models.ObligationRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, err := s.proposedLocked(runID, paymentID)
	if err != nil {
		return err
	}
	sg.State = StateConfirmed
	sg.Obligation = &ref
	return nil
}

// Skip drops paymentID's suggestion from the working set.
func (s *SessionStore) Skip(runID, paymentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, err := s.proposedLocked(runID, paymentID)
	if err != nil {
		return err
	}
	sg.State = StateSkipped
	return nil
}

// proposedLocked finds a suggestion that may still change state. A skipped
// suggestion is out of the working set and reads as missing.
func (s *SessionStore) proposedLocked(runID, paymentID uuid.UUID) (*Suggestion, error) {
	sg, err := s.findLocked(runID, paymentID)
	if err != nil {
		return nil, err
	}
	switch sg.State {
	case StateSkipped:
		return nil, apperrors.NotFound("suggestion for payment", paymentID)
	case StateConfirmed:
		return nil, apperrors.Invalid("suggestion for payment %s is already confirmed", paymentID)
	}
	return sg, nil
}

func (s *SessionStore) findLocked(runID, paymentID uuid.UUID) (*Suggestion, error) {
	s.purgeLocked()
	sess, ok := s.sessions[runID]
	if !ok {
		return nil, apperrors.NotFound("reconciliation session", runID)
	}
	i, ok := sess.byPayment[paymentID]
	if !ok {
		return nil, apperrors.NotFound("suggestion for payment", paymentID)
	}
	return &sess.suggestions[i], nil
}

func (s *SessionStore) purgeLocked() {
	now := s.now()
	for id, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			delete(s.sessions, id)
		}
	}
}
