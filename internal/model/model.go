package model

import "time"

// UserID identifies one authenticated session. It is created at login and is
// never reused within the process lifetime.
type UserID string

// Response is the user's own answer to a calendar invitation.
type Response string

const (
	ResponseAccepted  Response = "accepted"
	ResponseTentative Response = "tentative"
	ResponseDeclined  Response = "declined"
	ResponseNone      Response = "none"
)

// Undecided reports whether the invitation still awaits a decision.
func (r Response) Undecided() bool {
	return r == ResponseTentative || r == ResponseNone
}

// ParseResponse maps provider vocabulary (Google responseStatus, iCalendar
// PARTSTAT) onto Response. Unknown values are treated as undecided.
func ParseResponse(s string) Response {
	switch s {
	case "accepted", "ACCEPTED":
		return ResponseAccepted
	case "tentative", "TENTATIVE":
		return ResponseTentative
	case "declined", "DECLINED":
		return ResponseDeclined
	default:
		return ResponseNone
	}
}

// Event is a normalized calendar event as returned by any calendar adapter.
type Event struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`

	// Start / End are absolute instants. For all-day events they carry the
	// calendar date at midnight; the watcher re-anchors them in its own zone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	AllDay         bool     `json:"all_day"`
	Response       Response `json:"response"`
	OrganizerEmail string   `json:"organizer_email,omitempty"`
}

// Snapshot is the last observed set of events for one user.
type Snapshot struct {
	FetchedAt time.Time `json:"fetched_at"`
	Events    []Event   `json:"events"`
}

// IDs returns the set of event ids present in the snapshot.
func (s *Snapshot) IDs() map[string]struct{} {
	out := make(map[string]struct{})
	if s == nil {
		return out
	}
	for _, ev := range s.Events {
		out[ev.ID] = struct{}{}
	}
	return out
}

// Kind classifies outbound notifications.
type Kind string

const (
	KindReminderDue      Kind = "reminder-due"
	KindConflictDetected Kind = "conflict-detected"
	KindInfo             Kind = "info"
)

// OutboundEvent is one notification waiting for the user's polling consumer.
type OutboundEvent struct {
	ID      string         `json:"id"`
	UserID  UserID         `json:"user_id"`
	Kind    Kind           `json:"kind"`
	Text    string         `json:"text"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}
