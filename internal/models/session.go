package models

import "time"

// ModeHistoryEntry records one mode entry. Entries are closed, never removed.
type ModeHistoryEntry struct {
	Mode       string     `json:"mode"`
	WorkflowID string     `json:"workflowId,omitempty"`
	EnteredAt  time.Time  `json:"enteredAt"`
	ExitedAt   *time.Time `json:"exitedAt,omitempty"`
}

// SessionState is the persisted record for one agent session.
type SessionState struct {
	SessionID    string             `json:"sessionId"`
	CurrentMode  *string            `json:"currentMode"`
	CurrentPhase *string            `json:"currentPhase"`
	WorkflowID   *string            `json:"workflowId"`
	Tasks        map[string]string  `json:"tasks,omitempty"` // phase id -> task id for the active workflow
	ModeHistory  []ModeHistoryEntry `json:"modeHistory"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// NewSessionState returns an empty record for the session.
func NewSessionState(sessionID string) *SessionState {
	now := time.Now().UTC()
	return &SessionState{
		SessionID:   sessionID,
		ModeHistory: []ModeHistoryEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Mode returns the current mode or "".
func (s *SessionState) Mode() string { return deref(s.CurrentMode) }

// Phase returns the current phase or "".
func (s *SessionState) Phase() string { return deref(s.CurrentPhase) }

// Workflow returns the current workflow id or "".
func (s *SessionState) Workflow() string { return deref(s.WorkflowID) }

// Active reports whether a mode is currently entered.
func (s *SessionState) Active() bool { return s.Mode() != "" }

// OpenHistoryEntry returns the last history entry if it has not been closed.
func (s *SessionState) OpenHistoryEntry() *ModeHistoryEntry {
	if len(s.ModeHistory) == 0 {
		return nil
	}
	last := &s.ModeHistory[len(s.ModeHistory)-1]
	if last.ExitedAt != nil {
		return nil
	}
	return last
}

// CloseHistory sets ExitedAt on the open history entry, if any.
func (s *SessionState) CloseHistory(at time.Time) {
	if e := s.OpenHistoryEntry(); e != nil {
		t := at
		e.ExitedAt = &t
	}
}

// ClearMode resets the active mode fields. History is left untouched.
func (s *SessionState) ClearMode() {
	s.CurrentMode = nil
	s.CurrentPhase = nil
	s.WorkflowID = nil
	s.Tasks = nil
}

// Clone returns a deep copy so callers never share a live record.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentMode = copyPtr(s.CurrentMode)
	c.CurrentPhase = copyPtr(s.CurrentPhase)
	c.WorkflowID = copyPtr(s.WorkflowID)
	if s.Tasks != nil {
		c.Tasks = make(map[string]string, len(s.Tasks))
		for k, v := range s.Tasks {
			c.Tasks[k] = v
		}
	}
	c.ModeHistory = make([]ModeHistoryEntry, len(s.ModeHistory))
	for i, e := range s.ModeHistory {
		c.ModeHistory[i] = e
		if e.ExitedAt != nil {
			t := *e.ExitedAt
			c.ModeHistory[i].ExitedAt = &t
		}
	}
	return &c
}

// StringPtr returns a pointer to v, or nil for "".
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func copyPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
