package gate

import "sync"

// OverrideSlot holds at most one pending detection override, keyed by image
// fingerprint. Arming the slot for a new fingerprint replaces any pending
// override; consuming it is one-shot.
type OverrideSlot struct {
	mu          sync.Mutex
	fingerprint string
	armed       bool
}

// NewOverrideSlot returns an empty slot.
func NewOverrideSlot() *OverrideSlot {
	return &OverrideSlot{}
}

// Arm records that the next gate check for fingerprint should be skipped.
func (s *OverrideSlot) Arm(fingerprint string) {
	if fingerprint == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprint = fingerprint
	s.armed = true
}

// Consume clears and reports a pending override for fingerprint. An armed
// override for a different fingerprint stays armed.
func (s *OverrideSlot) Consume(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed || s.fingerprint != fingerprint {
		return false
	}
	s.armed = false
	s.fingerprint = ""
	return true
}

// Pending reports whether an override is armed for fingerprint without
// consuming it.
func (s *OverrideSlot) Pending(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed && s.fingerprint == fingerprint
}

// Clear drops any pending override.
func (s *OverrideSlot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = false
	s.fingerprint = ""
}
