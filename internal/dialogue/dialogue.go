package dialogue

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"remindcal/internal/model"
	"remindcal/internal/reminder"
	"remindcal/internal/slots"
)

// DefaultReply introduces the assistant when a message is not understood.
const DefaultReply = "Jag tar ansvar för sådant du inte ska behöva lägga tid på " +
	"som att påminna dig om att ringa mamma, hitta luckor i din kalender " +
	"och meddela dig om möten krockar.\n" +
	"Jag är redo för nästa uppgift."

const (
	replyAskTime  = "Tid och dag?"
	replyCleared  = "Uppgiften är inte längre aktiv."
	replySnoozed  = "Jag påminner dig igen."
	replyCreated  = "Jag påminner dig att %s på %s kl %s."
	replyNoSlots  = "Jag ser inga lediga tider denna vecka."
	replyNoEvents = "Jag ser inga kommande möten i din kalender."
	replyNoCal    = "Jag har inte kunnat läsa din kalender än."

	suggestCount = 3
	agendaCount  = 5
)

// State is the per-user conversation state. The zero value is idle.
type State struct {
	WaitingForTime bool   `json:"waiting_for_time"`
	Task           string `json:"task,omitempty"`
}

// Backend is the user state a conversation acts on. The caller holds the
// user's lock for the duration of Handle.
type Backend interface {
	ClearAll() int
	Reminders() int
	CreateReminder(task string, fireAt time.Time) string
	Snooze(fireAt time.Time) bool
	// Snapshot returns nil before the first successful calendar fetch.
	Snapshot() *model.Snapshot
}

// Engine turns chat messages into reminder and calendar actions.
type Engine struct {
	loc      *time.Location
	stop     reminder.StopWords
	workday  slots.Workday
	lookDays int
}

// Options configures an Engine.
type Options struct {
	Location  *time.Location
	StopWords []string
	Workday   slots.Workday
	// SuggestDays is how many days free-slot answers scan. Default 7.
	SuggestDays int
}

// NewEngine builds an engine; zero options select the defaults.
func NewEngine(opts Options) *Engine {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	days := opts.SuggestDays
	if days <= 0 {
		days = 7
	}
	return &Engine{
		loc:      loc,
		stop:     reminder.NewStopWords(opts.StopWords),
		workday:  opts.Workday,
		lookDays: days,
	}
}

// Handle processes one message and returns the reply text.
func (e *Engine) Handle(st *State, b Backend, message string, now time.Time) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return ""
	}
	lower := strings.ToLower(message)
	now = now.In(e.loc)

	if e.stop.Match(lower) {
		if b.ClearAll() > 0 {
			return replyCleared
		}
		return DefaultReply
	}

	if strings.Contains(lower, "påminn igen") && b.Reminders() > 0 {
		if at, ok := ParseTime(lower, now); ok && b.Snooze(at) {
			return replySnoozed
		}
	}

	if st.WaitingForTime {
		due, ok := ParseTime(lower, now)
		if !ok {
			return replyAskTime
		}
		task := st.Task
		*st = State{}
		b.CreateReminder(task, due)
		return fmt.Sprintf(replyCreated, task, WeekdayName(due.Weekday()), due.Format("15:04"))
	}

	explicit := strings.Contains(lower, "påminn")
	if !explicit && IsCalendarQuestion(lower) {
		return e.answerCalendar(lower, b.Snapshot(), now)
	}

	if explicit || IsTaskLike(lower) {
		st.WaitingForTime = true
		st.Task = CleanTask(lower)
		return replyAskTime
	}

	return DefaultReply
}

func (e *Engine) answerCalendar(lower string, snap *model.Snapshot, now time.Time) string {
	if snap == nil {
		return replyNoCal
	}
	if strings.Contains(lower, "luckor") || strings.Contains(lower, "ledig") {
		return e.SuggestText(snap.Events, now)
	}
	return e.AgendaText(snap.Events, now)
}

// SuggestText lists the first free workday slots from now.
func (e *Engine) SuggestText(events []model.Event, now time.Time) string {
	found := slots.Suggest(now, e.lookDays, slots.BusyFromEvents(events), suggestCount, e.workday, e.loc)
	if len(found) == 0 {
		return replyNoSlots
	}
	lines := []string{"Jag ser några möjliga tider denna vecka:"}
	if len(found) == suggestCount {
		lines[0] = "Jag ser tre möjliga tider denna vecka:"
	}
	for _, s := range found {
		start, end := s.Start.In(e.loc), s.End.In(e.loc)
		lines = append(lines, fmt.Sprintf("• %s %s–%s", WeekdayName(start.Weekday()), start.Format("15"), end.Format("15")))
	}
	return strings.Join(lines, "\n")
}

// AgendaText lists the next upcoming events.
func (e *Engine) AgendaText(events []model.Event, now time.Time) string {
	upcoming := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.End.After(now) && ev.Response != model.ResponseDeclined {
			upcoming = append(upcoming, ev)
		}
	}
	if len(upcoming) == 0 {
		return replyNoEvents
	}
	sort.SliceStable(upcoming, func(i, j int) bool { return upcoming[i].Start.Before(upcoming[j].Start) })
	if len(upcoming) > agendaCount {
		upcoming = upcoming[:agendaCount]
	}
	lines := []string{"Dina kommande möten:"}
	for _, ev := range upcoming {
		start := ev.Start.In(e.loc)
		when := start.Format("2006-01-02 15:04")
		if ev.AllDay {
			when = ev.Start.Format("2006-01-02") + " heldag"
		}
		lines = append(lines, fmt.Sprintf("• %s %s %s", WeekdayName(start.Weekday()), when, ev.Summary))
	}
	return strings.Join(lines, "\n")
}

// IsCalendarQuestion reports whether text asks about the calendar.
func IsCalendarQuestion(text string) bool {
	text = strings.ToLower(text)
	if strings.Contains(text, "?") {
		return true
	}
	for _, k := range []string{"vad", "när", "visa", "luckor", "kalender", "möte"} {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// IsTaskLike reports whether a short statement reads like a task.
func IsTaskLike(text string) bool {
	text = strings.ToLower(text)
	if IsCalendarQuestion(text) {
		return false
	}
	for _, q := range []string{"vad", "när", "visa", "hur"} {
		if strings.HasPrefix(text, q) {
			return false
		}
	}
	return len(strings.Fields(text)) <= 5
}

// CleanTask strips reminder phrasing from a task description.
func CleanTask(text string) string {
	text = strings.ToLower(text)
	for _, phrase := range []string{"påminn mig att", "påminn mig om att", "påminn"} {
		text = strings.ReplaceAll(text, phrase, "")
	}
	return strings.TrimSpace(text)
}
