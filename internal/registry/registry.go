package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindcal/internal/calendar"
	"remindcal/internal/conflict"
	"remindcal/internal/dialogue"
	appLog "remindcal/internal/log"
	"remindcal/internal/metrics"
	"remindcal/internal/model"
	"remindcal/internal/queue"
	"remindcal/internal/reminder"
)

// ErrUnknownUser is returned for operations on a user that was never ensured.
var ErrUnknownUser = errors.New("registry: unknown user")

// Options configures a Registry. Zero values select defaults.
type Options struct {
	EscalationInterval time.Duration
	QueueCapacity      int
	StopWords          []string
	Recorder           metrics.Recorder
	Persister          Persister
	Now                func() time.Time
}

// State is everything the process knows about one user. It is only touched
// while the user's lock is held, via Registry.Update.
type State struct {
	Adapter calendar.Adapter
	// AdapterGen changes whenever Adapter is replaced.
	AdapterGen uint64
	Reminders *reminder.Set
	// Snapshot is nil until the first successful fetch.
	Snapshot *model.Snapshot
	Reported *conflict.Tracker
	Dialogue dialogue.State

	AuthFailed          bool
	ConsecutiveFailures int
	UnavailableNotified bool
	LastFetchOK         time.Time
	LastError           string
}

type user struct {
	id      model.UserID
	created time.Time
	queue   *queue.Queue

	mu    sync.Mutex
	state State
}

// Registry maps user ids to their state. The map lock is held only for
// lookups and inserts; each user has its own lock.
type Registry struct {
	mu    sync.RWMutex
	users map[model.UserID]*user

	interval time.Duration
	capacity int
	stop     reminder.StopWords
	rec      metrics.Recorder
	persist  Persister
	now      func() time.Time
}

// New creates an empty registry.
func New(opts Options) *Registry {
	r := &Registry{
		users:    make(map[model.UserID]*user),
		interval: opts.EscalationInterval,
		capacity: opts.QueueCapacity,
		stop:     reminder.NewStopWords(opts.StopWords),
		rec:      opts.Recorder,
		persist:  opts.Persister,
		now:      opts.Now,
	}
	if r.rec == nil {
		r.rec = metrics.NoopRecorder{}
	}
	if r.persist == nil {
		r.persist = NopPersister{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// NewUser creates a fresh user with a random id.
func (r *Registry) NewUser() model.UserID {
	id := model.UserID(uuid.NewString())
	r.EnsureUser(id)
	return id
}

// EnsureUser creates the user if needed. It is idempotent.
func (r *Registry) EnsureUser(id model.UserID) {
	r.mu.RLock()
	_, ok := r.users[id]
	r.mu.RUnlock()
	if ok {
		return
	}

	r.mu.Lock()
	if _, ok := r.users[id]; ok {
		r.mu.Unlock()
		return
	}
	r.users[id] = &user{
		id:      id,
		created: r.now(),
		queue:   queue.New(r.capacity),
		state: State{
			Reminders: reminder.NewSet(id, r.interval),
			Reported:  conflict.NewTracker(),
		},
	}
	n := len(r.users)
	r.mu.Unlock()

	r.rec.SetUsers(n)
	appLog.Info("user registered", "user", id, "users", n)
}

// Has reports whether id is known.
func (r *Registry) Has(id model.UserID) bool {
	_, ok := r.lookup(id)
	return ok
}

// AllUserIDs returns a sorted snapshot of the known ids. Users added
// afterwards are not included.
func (r *Registry) AllUserIDs() []model.UserID {
	r.mu.RLock()
	out := make([]model.UserID, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) lookup(id model.UserID) (*user, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	return u, ok
}

// Update runs fn with exclusive access to the user's state. fn must not block
// on I/O.
func (r *Registry) Update(id model.UserID, fn func(st *State)) error {
	u, ok := r.lookup(id)
	if !ok {
		return ErrUnknownUser
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	fn(&u.state)
	if _, nop := r.persist.(NopPersister); !nop {
		r.persist.Persist(recordOf(u))
	}
	return nil
}

// View runs fn with the user's lock held, without persisting.
func (r *Registry) View(id model.UserID, fn func(st *State)) error {
	u, ok := r.lookup(id)
	if !ok {
		return ErrUnknownUser
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	fn(&u.state)
	return nil
}

// SetAdapter attaches the user's calendar source. A new adapter resets auth
// and failure tracking.
func (r *Registry) SetAdapter(id model.UserID, a calendar.Adapter) error {
	return r.Update(id, func(st *State) {
		st.Adapter = a
		st.AdapterGen++
		st.AuthFailed = false
		st.ConsecutiveFailures = 0
		st.UnavailableNotified = false
		st.LastError = ""
	})
}

// Adapter returns the user's calendar source, or nil.
func (r *Registry) Adapter(id model.UserID) calendar.Adapter {
	var a calendar.Adapter
	_ = r.View(id, func(st *State) { a = st.Adapter })
	return a
}

// CreateReminder schedules task for fireAt. Past fire times are accepted.
func (r *Registry) CreateReminder(id model.UserID, task string, fireAt time.Time) (string, error) {
	var rid string
	err := r.Update(id, func(st *State) { rid = st.Reminders.Create(task, fireAt) })
	if err == nil {
		appLog.Info("reminder created", "user", id, "reminder", rid, "fire_at", fireAt.Format(time.RFC3339))
	}
	return rid, err
}

// TickReminders advances the user's reminders and returns the notices due.
func (r *Registry) TickReminders(id model.UserID, now time.Time) ([]reminder.Due, error) {
	var due []reminder.Due
	err := r.Update(id, func(st *State) { due = st.Reminders.Tick(now) })
	return due, err
}

// ClearAll removes all of the user's reminders.
func (r *Registry) ClearAll(id model.UserID) (int, error) {
	var n int
	err := r.Update(id, func(st *State) { n = st.Reminders.ClearAll() })
	return n, err
}

// ClearStopWord clears every reminder when utterance is a stop word. It
// reports true only if something was cleared.
func (r *Registry) ClearStopWord(id model.UserID, utterance string) bool {
	if !r.stop.Match(utterance) {
		return false
	}
	n, err := r.ClearAll(id)
	return err == nil && n > 0
}

// Snooze re-arms the user's oldest reminder for fireAt.
func (r *Registry) Snooze(id model.UserID, fireAt time.Time) (bool, error) {
	var ok bool
	err := r.Update(id, func(st *State) { ok = st.Reminders.Snooze(fireAt) })
	return ok, err
}

// Reminders lists the user's live reminders.
func (r *Registry) Reminders(id model.UserID) ([]reminder.Reminder, error) {
	var out []reminder.Reminder
	err := r.View(id, func(st *State) { out = st.Reminders.List() })
	return out, err
}

// Snapshot returns a copy of the user's last snapshot, or nil.
func (r *Registry) Snapshot(id model.UserID) (*model.Snapshot, error) {
	var out *model.Snapshot
	err := r.View(id, func(st *State) { out = copySnapshot(st.Snapshot) })
	return out, err
}

// Converse runs one chat turn for the user under their lock.
func (r *Registry) Converse(id model.UserID, e *dialogue.Engine, message string) (string, error) {
	var reply string
	err := r.Update(id, func(st *State) {
		reply = e.Handle(&st.Dialogue, stateBackend{st}, message, r.now())
	})
	return reply, err
}

// Push enqueues ev for the user, filling in id, user and timestamp. It never
// blocks; a full queue drops its oldest event.
func (r *Registry) Push(id model.UserID, ev model.OutboundEvent) error {
	u, ok := r.lookup(id)
	if !ok {
		return ErrUnknownUser
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.UserID = id
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	if u.queue.Push(ev) {
		r.rec.IncQueueDrop()
		appLog.Warn("user queue full, dropped oldest event", "user", id, "dropped_total", u.queue.Dropped())
	}
	return nil
}

// Drain returns and removes the user's pending events.
func (r *Registry) Drain(id model.UserID) ([]model.OutboundEvent, error) {
	u, ok := r.lookup(id)
	if !ok {
		return nil, ErrUnknownUser
	}
	return u.queue.Drain(), nil
}

// Notify returns a channel signalled after every push to the user's queue.
func (r *Registry) Notify(id model.UserID) (<-chan struct{}, error) {
	u, ok := r.lookup(id)
	if !ok {
		return nil, ErrUnknownUser
	}
	return u.queue.Notify(), nil
}

// stateBackend exposes a locked State to the dialogue engine.
type stateBackend struct{ st *State }

func (b stateBackend) ClearAll() int  { return b.st.Reminders.ClearAll() }
func (b stateBackend) Reminders() int { return b.st.Reminders.Len() }
func (b stateBackend) CreateReminder(task string, fireAt time.Time) string {
	return b.st.Reminders.Create(task, fireAt)
}
func (b stateBackend) Snooze(fireAt time.Time) bool { return b.st.Reminders.Snooze(fireAt) }
func (b stateBackend) Snapshot() *model.Snapshot   { return b.st.Snapshot }

func copySnapshot(s *model.Snapshot) *model.Snapshot {
	if s == nil {
		return nil
	}
	out := &model.Snapshot{FetchedAt: s.FetchedAt, Events: make([]model.Event, len(s.Events))}
	copy(out.Events, s.Events)
	return out
}
