package watcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"remindcal/internal/calendar"
	"remindcal/internal/conflict"
	appLog "remindcal/internal/log"
	"remindcal/internal/metrics"
	"remindcal/internal/model"
	"remindcal/internal/registry"
	"remindcal/internal/reminder"
)

const (
	DefaultSchedule           = "@every 30s"
	DefaultLookahead          = 14 * 24 * time.Hour
	DefaultFetchTimeout       = 20 * time.Second
	DefaultTransientThreshold = 5
	DefaultMaxParallel        = 8
)

const (
	textAuthLost    = "Jag kommer inte åt din kalender längre. Logga in igen för att få krockvarningar."
	textAuthBack    = "Din kalender är ansluten igen."
	textUnavailable = "Jag kan inte läsa din kalender just nu. Jag fortsätter försöka."
)

// Config controls the polling loop. Zero values select the defaults above.
type Config struct {
	// Schedule is a robfig/cron spec, e.g. "@every 30s".
	Schedule           string
	Lookahead          time.Duration
	FetchTimeout       time.Duration
	TransientThreshold int
	MaxParallel        int
	Location           *time.Location
	ReportInitial      bool
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.TransientThreshold <= 0 {
		c.TransientThreshold = DefaultTransientThreshold
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec metrics.Recorder) Option {
	return func(w *Watcher) { w.rec = rec }
}

// Watcher periodically refreshes every user's calendar, announces new
// conflicts and advances reminders.
type Watcher struct {
	reg *registry.Registry
	det *conflict.Detector
	cfg Config
	rec metrics.Recorder
	now func() time.Time

	cron     *cron.Cron
	stopOnce sync.Once
}

// New creates a stopped watcher over reg.
func New(reg *registry.Registry, cfg Config, opts ...Option) *Watcher {
	cfg = cfg.withDefaults()
	w := &Watcher{
		reg: reg,
		det: conflict.NewDetector(cfg.Location, cfg.ReportInitial),
		cfg: cfg,
		rec: metrics.NoopRecorder{},
		now: time.Now,
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cronLogger{}),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
		),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// cronLogger routes robfig/cron's own logging through appLog. Scheduler
// chatter goes to debug; a skipped run means the previous cycle overran.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	if msg == "skip" {
		appLog.Warn("watcher cycle still running, skipping scheduled run", kv...)
		return
	}
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

// Start schedules RunCycle and returns once the schedule is running. The
// watcher stops when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.cfg.Schedule, func() { w.RunCycle(ctx) }); err != nil {
		return fmt.Errorf("watcher: schedule %q: %w", w.cfg.Schedule, err)
	}
	w.cron.Start()
	appLog.Info("calendar watcher started",
		"schedule", w.cfg.Schedule,
		"lookahead", w.cfg.Lookahead.String(),
		"fetch_timeout", w.cfg.FetchTimeout.String(),
		"max_parallel", w.cfg.MaxParallel,
	)

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		<-w.cron.Stop().Done()
		appLog.Info("calendar watcher stopped")
	})
}

// RunCycle processes every user known at the start of the cycle once.
func (w *Watcher) RunCycle(ctx context.Context) {
	started := w.now()
	ids := w.reg.AllUserIDs()

	var g errgroup.Group
	g.SetLimit(w.cfg.MaxParallel)
	for _, id := range ids {
		g.Go(func() error {
			w.processUser(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	elapsed := w.now().Sub(started)
	w.rec.ObserveCycle(elapsed, len(ids))
	appLog.Debug("watcher cycle done", "users", len(ids), "elapsed", elapsed.String())
}

func (w *Watcher) processUser(ctx context.Context, id model.UserID) {
	now := w.now()
	w.guard(id, "calendar", func() { w.refreshCalendar(ctx, id, now) })
	w.guard(id, "reminders", func() { w.tickReminders(id, now) })
}

// guard contains a panic to the phase of the user it occurred in.
func (w *Watcher) guard(id model.UserID, phase string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			w.rec.IncFetch(metrics.FetchPanic)
			appLog.Error("watcher: user phase panicked", fmt.Errorf("panic: %v", p),
				"user", id, "phase", phase, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (w *Watcher) refreshCalendar(ctx context.Context, id model.UserID, now time.Time) {
	var (
		adapter calendar.Adapter
		gen     uint64
	)
	if err := w.reg.View(id, func(st *registry.State) {
		adapter, gen = st.Adapter, st.AdapterGen
	}); err != nil {
		return
	}
	if adapter == nil {
		w.rec.IncFetch(metrics.FetchSkipped)
		return
	}

	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	events, err := adapter.Events(fctx, now.UTC(), now.Add(w.cfg.Lookahead).UTC())
	cancel()

	var out []model.OutboundEvent
	_ = w.reg.Update(id, func(st *registry.State) {
		if st.AdapterGen != gen {
			appLog.Debug("calendar source replaced during fetch, dropping result", "user", id)
			return
		}
		if err != nil {
			out = w.recordFailure(id, st, err)
			return
		}
		out = w.applySnapshot(id, st, &model.Snapshot{FetchedAt: now, Events: events}, now)
	})

	for _, ev := range out {
		_ = w.reg.Push(id, ev)
	}
}

func (w *Watcher) applySnapshot(id model.UserID, st *registry.State, next *model.Snapshot, now time.Time) []model.OutboundEvent {
	w.rec.IncFetch(metrics.FetchOK)

	var out []model.OutboundEvent
	if st.AuthFailed {
		out = append(out, infoEvent(textAuthBack, "auth_restored"))
		appLog.Info("calendar access restored", "user", id)
	}
	st.AuthFailed = false
	st.ConsecutiveFailures = 0
	st.UnavailableNotified = false
	st.LastFetchOK = now
	st.LastError = ""

	conflicts := w.det.Diff(id, st.Reported, st.Snapshot, next)
	st.Snapshot = next

	for _, c := range conflicts {
		with := make([]string, 0, len(c.With))
		for _, ev := range c.With {
			with = append(with, ev.ID)
		}
		out = append(out, model.OutboundEvent{
			Kind: model.KindConflictDetected,
			Text: c.Text(w.cfg.Location),
			Payload: map[string]any{
				"invite_id":      c.Invite.ID,
				"invite_summary": c.Invite.Summary,
				"with":           with,
			},
		})
	}
	if len(conflicts) > 0 {
		w.rec.AddConflicts(len(conflicts))
		appLog.Info("conflicts detected", "user", id, "count", len(conflicts))
	}
	return out
}

// recordFailure keeps the previous snapshot and reports a status change at
// most once per outage. Errors that are not AuthError count as transient.
func (w *Watcher) recordFailure(id model.UserID, st *registry.State, err error) []model.OutboundEvent {
	st.LastError = err.Error()

	if calendar.IsAuth(err) {
		w.rec.IncFetch(metrics.FetchAuth)
		appLog.Warn("calendar auth failed", "user", id, "error", err)
		if st.AuthFailed {
			return nil
		}
		st.AuthFailed = true
		return []model.OutboundEvent{infoEvent(textAuthLost, "auth_failed")}
	}

	w.rec.IncFetch(metrics.FetchTransient)
	st.ConsecutiveFailures++
	appLog.Warn("calendar fetch failed", "user", id, "consecutive", st.ConsecutiveFailures, "error", err)

	if st.ConsecutiveFailures >= w.cfg.TransientThreshold && !st.UnavailableNotified {
		st.UnavailableNotified = true
		return []model.OutboundEvent{infoEvent(textUnavailable, "calendar_unavailable")}
	}
	return nil
}

func (w *Watcher) tickReminders(id model.UserID, now time.Time) {
	due, err := w.reg.TickReminders(id, now)
	if err != nil {
		return
	}
	for _, d := range due {
		_ = w.reg.Push(id, reminderEvent(d))
	}
	w.rec.AddReminderNotices(len(due))
}

func reminderEvent(d reminder.Due) model.OutboundEvent {
	return model.OutboundEvent{
		Kind: model.KindReminderDue,
		Text: d.Text(),
		At:   d.At,
		Payload: map[string]any{
			"reminder_id": d.ReminderID,
			"task":        d.Task,
			"notice":      d.Notice,
			"state":       string(d.State),
		},
	}
}

func infoEvent(text, status string) model.OutboundEvent {
	return model.OutboundEvent{
		Kind:    model.KindInfo,
		Text:    text,
		Payload: map[string]any{"status": status},
	}
}
