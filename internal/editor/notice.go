package editor

import "time"

type NoticeKind string

const (
	NoticeError    NoticeKind = "error"
	NoticeConflict NoticeKind = "conflict"
)

// Notice is a transient message for the user. Discarded carries local text
// that was replaced so the client can offer to restore it.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	Message   string     `json:"message"`
	Discarded string     `json:"discarded,omitempty"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// State is the client-visible view state.
type State struct {
	Mode       Mode   `json:"mode"`
	Source     string `json:"source"`
	Generation uint64 `json:"generation"`
}

type EventType string

const (
	EventState  EventType = "state"
	EventNotice EventType = "notice"
)

type Event struct {
	Type   EventType `json:"type"`
	State  *State    `json:"state,omitempty"`
	Notice *Notice   `json:"notice,omitempty"`
}

// Notices returns the notices that have not expired yet.
func (s *Session) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneNoticesLocked()
	out := make([]Notice, len(s.notices))
	copy(out, s.notices)
	return out
}

func (s *Session) noticeLocked(kind NoticeKind, message, discarded string) []Event {
	s.pruneNoticesLocked()
	notice := Notice{
		Kind:      kind,
		Message:   message,
		Discarded: discarded,
		ExpiresAt: s.now().Add(s.noticeTTL),
	}
	s.notices = append(s.notices, notice)
	return []Event{{Type: EventNotice, Notice: &notice}}
}

func (s *Session) pruneNoticesLocked() {
	now := s.now()
	kept := s.notices[:0]
	for _, notice := range s.notices {
		if now.Before(notice.ExpiresAt) {
			kept = append(kept, notice)
		}
	}
	s.notices = kept
}

func (s *Session) stateLocked() State {
	return State{Mode: s.mode, Source: s.buffer, Generation: s.generation}
}

func (s *Session) stateEventLocked() Event {
	state := s.stateLocked()
	return Event{Type: EventState, State: &state}
}
