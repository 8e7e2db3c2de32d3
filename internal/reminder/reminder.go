package reminder

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
)

// DefaultInterval is the minimum time a reminder spends in each stage.
const DefaultInterval = 15 * time.Minute

// ErrInvariant marks a transition that the state machine must never perform,
// e.g. advancing a reminder that is already cleared.
var ErrInvariant = errors.New("reminder: invariant violation")

// State is the escalation stage of a reminder.
type State string

const (
	StateActive        State = "active"
	StateTriggeredOnce State = "triggered_once"
	StateRemindedTwice State = "reminded_twice"
	StateCleared       State = "cleared"
)

// Reminder is one timed task for one user.
type Reminder struct {
	ID     string       `json:"id"`
	UserID model.UserID `json:"user_id"`
	Task   string       `json:"task"`
	FireAt time.Time    `json:"fire_at"`

	State          State     `json:"state"`
	StateEnteredAt time.Time `json:"state_entered_at"`
	Escalations    int       `json:"escalations"`
}

// Due is emitted when a reminder enters a notifying stage.
type Due struct {
	ReminderID string
	UserID     model.UserID
	Task       string
	State      State
	// Notice is 1 for the first notice and 2 for the final one.
	Notice int
	At     time.Time
}

// Text renders the user-facing notification.
func (d Due) Text() string {
	if d.Notice >= 2 {
		return fmt.Sprintf("Jag påminner igen. Det är dags att %s.", d.Task)
	}
	return fmt.Sprintf("Nu är det dags att %s.", d.Task)
}

// Set is the live reminder collection of a single user. It is not safe for
// concurrent use; the owner (the registry's per-user record) serializes access.
type Set struct {
	owner    model.UserID
	interval time.Duration
	items    []*Reminder
}

// NewSet returns an empty collection. A non-positive interval selects
// DefaultInterval.
func NewSet(owner model.UserID, interval time.Duration) *Set {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Set{owner: owner, interval: interval}
}

// Create adds a reminder in the active stage. Identical tasks coexist.
// A fireAt in the past is accepted as-is.
func (s *Set) Create(task string, fireAt time.Time) string {
	r := &Reminder{
		ID:             uuid.NewString(),
		UserID:         s.owner,
		Task:           strings.TrimSpace(task),
		FireAt:         fireAt,
		State:          StateActive,
		StateEnteredAt: fireAt,
	}
	s.items = append(s.items, r)
	return r.ID
}

// Tick advances every live reminder by at most one stage and returns the
// notices produced, in creation order.
func (s *Set) Tick(now time.Time) []Due {
	var out []Due
	kept := s.items[:0]
	for _, r := range s.items {
		due, keep, err := s.advance(r, now)
		if err != nil {
			appLog.Error("reminder tick skipped", err, "user", s.owner, "reminder", r.ID, "state", r.State)
		}
		if due != nil {
			out = append(out, *due)
		}
		if keep {
			kept = append(kept, r)
		}
	}
	// Drop references held past the new length.
	for i := len(kept); i < len(s.items); i++ {
		s.items[i] = nil
	}
	s.items = kept
	return out
}

func (s *Set) advance(r *Reminder, now time.Time) (*Due, bool, error) {
	if r.State == StateCleared {
		return nil, false, fmt.Errorf("%w: advance from %s", ErrInvariant, r.State)
	}
	if now.Sub(r.StateEnteredAt) < s.interval {
		return nil, true, nil
	}

	switch r.State {
	case StateActive:
		r.State = StateTriggeredOnce
	case StateTriggeredOnce:
		r.State = StateRemindedTwice
	case StateRemindedTwice:
		r.State = StateCleared
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("%w: unknown state %q", ErrInvariant, r.State)
	}

	r.StateEnteredAt = now
	r.Escalations++
	return &Due{
		ReminderID: r.ID,
		UserID:     s.owner,
		Task:       r.Task,
		State:      r.State,
		Notice:     r.Escalations,
		At:         now,
	}, true, nil
}

// ClearAll removes every live reminder and reports how many were removed.
func (s *Set) ClearAll() int {
	n := len(s.items)
	for _, r := range s.items {
		r.State = StateCleared
	}
	s.items = nil
	return n
}

// Snooze puts the oldest live reminder back into the active stage with a new
// fire time. It reports false when there is nothing to snooze.
func (s *Set) Snooze(fireAt time.Time) bool {
	if len(s.items) == 0 {
		return false
	}
	r := s.items[0]
	r.FireAt = fireAt
	r.State = StateActive
	r.StateEnteredAt = fireAt
	r.Escalations = 0
	return true
}

// Len returns the number of live reminders.
func (s *Set) Len() int { return len(s.items) }

// List returns copies of the live reminders in creation order.
func (s *Set) List() []Reminder {
	out := make([]Reminder, 0, len(s.items))
	for _, r := range s.items {
		out = append(out, *r)
	}
	return out
}

// DefaultStopWords are the utterances that dismiss all reminders.
var DefaultStopWords = []string{"klar", "ok", "tack", "fixat", "gjort", "klart"}

// StopWords matches whole utterances case-insensitively.
type StopWords map[string]struct{}

// NewStopWords builds a matcher; an empty list selects DefaultStopWords.
func NewStopWords(words []string) StopWords {
	if len(words) == 0 {
		words = DefaultStopWords
	}
	sw := make(StopWords, len(words))
	for _, w := range words {
		w = normalizeUtterance(w)
		if w != "" {
			sw[w] = struct{}{}
		}
	}
	return sw
}

// Match reports whether the utterance is exactly a stop word.
func (sw StopWords) Match(utterance string) bool {
	_, ok := sw[normalizeUtterance(utterance)]
	return ok
}

func normalizeUtterance(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!")
}
