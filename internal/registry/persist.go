package registry

import (
	"time"

	"remindcal/internal/model"
	"remindcal/internal/reminder"
)

// Record is a point-in-time copy of one user's durable state.
type Record struct {
	UserID    model.UserID        `json:"user_id"`
	CreatedAt time.Time           `json:"created_at"`
	Reminders []reminder.Reminder `json:"reminders"`
	Snapshot  *model.Snapshot     `json:"snapshot,omitempty"`
	Reported  []string            `json:"reported_conflicts"`
}

// Persister receives a Record after every state change. It is called with the
// user's lock held and must return quickly. State lives in memory only; this
// is the hook a durable store would implement.
type Persister interface {
	Persist(rec Record)
}

// NopPersister discards records.
type NopPersister struct{}

func (NopPersister) Persist(Record) {}

func recordOf(u *user) Record {
	return Record{
		UserID:    u.id,
		CreatedAt: u.created,
		Reminders: u.state.Reminders.List(),
		Snapshot:  copySnapshot(u.state.Snapshot),
		Reported:  u.state.Reported.IDs(),
	}
}
