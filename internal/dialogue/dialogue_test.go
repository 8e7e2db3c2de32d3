package dialogue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindcal/internal/model"
)

var loc = func() *time.Location {
	l, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		return time.FixedZone("CET", 3600)
	}
	return l
}()

// Wednesday 2026-03-04 10:00.
var now = time.Date(2026, 3, 4, 10, 0, 0, 0, loc)

func TestParseTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"om 20 min", now.Add(20 * time.Minute), true},
		{"påminn igen om 5min", now.Add(5 * time.Minute), true},
		{"14:30", time.Date(2026, 3, 4, 14, 30, 0, 0, loc), true},
		{"kl 9", time.Time{}, false},
		{"idag 9", time.Time{}, false},
		{"idag 15", time.Date(2026, 3, 4, 15, 0, 0, 0, loc), true},
		{"imorgon kl 9", time.Date(2026, 3, 5, 9, 0, 0, 0, loc), true},
		{"I morgon 08:15", time.Date(2026, 3, 5, 8, 15, 0, 0, loc), true},
		{"fredag 10", time.Date(2026, 3, 6, 10, 0, 0, 0, loc), true},
		{"måndag 10", time.Date(2026, 3, 9, 10, 0, 0, 0, loc), true},
		{"nästa fredag 10", time.Date(2026, 3, 13, 10, 0, 0, 0, loc), true},
		{"söndag 12", time.Date(2026, 3, 8, 12, 0, 0, 0, loc), true},
		{"onsdag 8", time.Date(2026, 3, 4, 8, 0, 0, 0, loc), true},
		{"25", time.Time{}, false},
		{"någon gång", time.Time{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := ParseTime(tc.in, now)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.True(t, tc.want.Equal(got), "got %s", got)
			}
		})
	}
}

func TestParseTimeNextWeekAcrossSunday(t *testing.T) {
	sunday := time.Date(2026, 3, 8, 10, 0, 0, 0, loc)
	cases := []struct {
		in   string
		now  time.Time
		want time.Time
	}{
		{"nästa söndag 12", now, time.Date(2026, 3, 15, 12, 0, 0, 0, loc)},
		{"nästa måndag 9", sunday, time.Date(2026, 3, 9, 9, 0, 0, 0, loc)},
		{"måndag 9", sunday, time.Date(2026, 3, 9, 9, 0, 0, 0, loc)},
		{"nästa lördag 11", sunday, time.Date(2026, 3, 14, 11, 0, 0, 0, loc)},
		{"söndag 12", sunday, time.Date(2026, 3, 8, 12, 0, 0, 0, loc)},
	}
	for _, tc := range cases {
		t.Run(tc.in+" from "+tc.now.Weekday().String(), func(t *testing.T) {
			got, ok := ParseTime(tc.in, tc.now)
			require.True(t, ok)
			assert.True(t, tc.want.Equal(got), "got %s", got)
		})
	}
}

type fakeBackend struct {
	created  []time.Time
	tasks    []string
	live     int
	snoozed  []time.Time
	snapshot *model.Snapshot
}

func (f *fakeBackend) ClearAll() int  { n := f.live; f.live = 0; return n }
func (f *fakeBackend) Reminders() int { return f.live }
func (f *fakeBackend) CreateReminder(task string, at time.Time) string {
	f.tasks = append(f.tasks, task)
	f.created = append(f.created, at)
	f.live++
	return "r"
}
func (f *fakeBackend) Snooze(at time.Time) bool {
	if f.live == 0 {
		return false
	}
	f.snoozed = append(f.snoozed, at)
	return true
}
func (f *fakeBackend) Snapshot() *model.Snapshot { return f.snapshot }

func TestTwoStepReminder(t *testing.T) {
	e := NewEngine(Options{Location: loc})
	b := &fakeBackend{}
	var st State

	assert.Equal(t, "Tid och dag?", e.Handle(&st, b, "Påminn mig att ringa mamma", now))
	assert.True(t, st.WaitingForTime)
	assert.Equal(t, "ringa mamma", st.Task)

	assert.Equal(t, "Tid och dag?", e.Handle(&st, b, "vet inte", now))
	assert.True(t, st.WaitingForTime)

	reply := e.Handle(&st, b, "fredag 10", now)
	assert.Equal(t, "Jag påminner dig att ringa mamma på fredag kl 10:00.", reply)
	assert.Equal(t, State{}, st)
	require.Len(t, b.created, 1)
	assert.True(t, b.created[0].Equal(time.Date(2026, 3, 6, 10, 0, 0, 0, loc)))
}

func TestShortStatementIsTask(t *testing.T) {
	e := NewEngine(Options{Location: loc})
	var st State
	assert.Equal(t, "Tid och dag?", e.Handle(&st, &fakeBackend{}, "köpa mjölk", now))
	assert.Equal(t, "köpa mjölk", st.Task)
}

func TestStopWords(t *testing.T) {
	e := NewEngine(Options{Location: loc})
	var st State

	b := &fakeBackend{live: 2}
	assert.Equal(t, "Uppgiften är inte längre aktiv.", e.Handle(&st, b, "Klart!", now))
	assert.Zero(t, b.live)

	assert.Equal(t, DefaultReply, e.Handle(&st, b, "tack", now))
}

func TestSnooze(t *testing.T) {
	e := NewEngine(Options{Location: loc})
	var st State
	b := &fakeBackend{live: 1}

	assert.Equal(t, "Jag påminner dig igen.", e.Handle(&st, b, "påminn igen om 10 min", now))
	require.Len(t, b.snoozed, 1)
	assert.True(t, b.snoozed[0].Equal(now.Add(10*time.Minute)))
	assert.False(t, st.WaitingForTime)
}

func TestCalendarQuestions(t *testing.T) {
	e := NewEngine(Options{Location: loc})
	var st State
	b := &fakeBackend{}

	assert.Equal(t, "Jag har inte kunnat läsa din kalender än.", e.Handle(&st, b, "vilka luckor har jag?", now))

	b.snapshot = &model.Snapshot{FetchedAt: now}
	assert.Equal(t,
		"Jag ser tre möjliga tider denna vecka:\n• torsdag 09–10\n• fredag 09–10\n• lördag 09–10",
		e.Handle(&st, b, "vilka luckor har jag?", now))

	assert.Equal(t, "Jag ser inga kommande möten i din kalender.", e.Handle(&st, b, "visa kalender", now))

	b.snapshot.Events = []model.Event{
		{ID: "past", Summary: "Frukost", Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour), Response: model.ResponseAccepted},
		{ID: "later", Summary: "Budget", Start: time.Date(2026, 3, 5, 13, 0, 0, 0, loc), End: time.Date(2026, 3, 5, 14, 0, 0, 0, loc), Response: model.ResponseAccepted},
		{ID: "soon", Summary: "Planering", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour), Response: model.ResponseAccepted},
	}
	assert.Equal(t,
		"Dina kommande möten:\n• onsdag 2026-03-04 11:00 Planering\n• torsdag 2026-03-05 13:00 Budget",
		e.Handle(&st, b, "när har jag möte?", now))
	assert.False(t, st.WaitingForTime)
}

func TestFallbackReply(t *testing.T) {
	e := NewEngine(Options{Location: loc})
	var st State
	assert.Equal(t, DefaultReply, e.Handle(&st, &fakeBackend{}, "jag tycker om att sitta i solen hela dagen", now))
	assert.Equal(t, "", e.Handle(&st, &fakeBackend{}, "   ", now))
}

func TestIntentHelpers(t *testing.T) {
	assert.True(t, IsCalendarQuestion("Har jag något idag?"))
	assert.True(t, IsCalendarQuestion("visa kalendern"))
	assert.False(t, IsCalendarQuestion("ringa mamma"))

	assert.True(t, IsTaskLike("ringa mamma"))
	assert.False(t, IsTaskLike("hur mår du idag"))
	assert.False(t, IsTaskLike("ett två tre fyra fem sex"))

	assert.Equal(t, "betala räkningen", CleanTask("Påminn mig om att betala räkningen"))
}
