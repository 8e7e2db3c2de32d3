package slots

import (
	"sort"
	"time"

	"remindcal/internal/model"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Workday bounds the bookable hours of a day. Start and End are offsets from
// local midnight.
type Workday struct {
	Start time.Duration
	End   time.Duration
	Slot  time.Duration
}

// DefaultWorkday is 09:00–17:00 with one-hour slots.
func DefaultWorkday() Workday {
	return Workday{Start: 9 * time.Hour, End: 17 * time.Hour, Slot: time.Hour}
}

func (w Workday) normalized() Workday {
	def := DefaultWorkday()
	if w.Slot <= 0 {
		w.Slot = def.Slot
	}
	if w.End <= w.Start {
		w.Start, w.End = def.Start, def.End
	}
	return w
}

// BusyFromEvents turns timed events the user has not declined into busy
// intervals. All-day events do not block slots.
func BusyFromEvents(events []model.Event) []Interval {
	out := make([]Interval, 0, len(events))
	for _, ev := range events {
		if ev.AllDay || ev.Response == model.ResponseDeclined || !ev.End.After(ev.Start) {
			continue
		}
		out = append(out, Interval{Start: ev.Start, End: ev.End})
	}
	return out
}

// ForDay returns free slots of the workday containing day (in loc). Each gap
// between busy blocks that can hold a slot yields one slot at its start, and
// the remainder of the day after the last busy block yields one more.
func ForDay(day time.Time, busy []Interval, wd Workday, loc *time.Location) []Interval {
	if loc == nil {
		loc = time.Local
	}
	wd = wd.normalized()

	d := day.In(loc)
	midnight := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	dayStart := midnight.Add(wd.Start)
	dayEnd := midnight.Add(wd.End)

	blocks := make([]Interval, 0, len(busy))
	for _, b := range busy {
		if b.Start.Before(dayEnd) && b.End.After(dayStart) {
			blocks = append(blocks, b)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Start.Before(blocks[j].Start) })

	var out []Interval
	cursor := dayStart
	for _, b := range blocks {
		if b.Start.After(cursor) && !cursor.Add(wd.Slot).After(b.Start) {
			out = append(out, Interval{Start: cursor, End: cursor.Add(wd.Slot)})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if !cursor.Add(wd.Slot).After(dayEnd) {
		out = append(out, Interval{Start: cursor, End: cursor.Add(wd.Slot)})
	}
	return out
}

// Suggest returns up to n free slots starting no earlier than from, scanning
// days consecutive days.
func Suggest(from time.Time, days int, busy []Interval, n int, wd Workday, loc *time.Location) []Interval {
	if loc == nil {
		loc = time.Local
	}
	out := make([]Interval, 0, n)
	if n <= 0 {
		return out
	}
	start := from.In(loc)
	for offset := 0; offset < days; offset++ {
		day := start.AddDate(0, 0, offset)
		for _, s := range ForDay(day, busy, wd, loc) {
			if s.Start.Before(from) {
				continue
			}
			out = append(out, s)
			if len(out) == n {
				return out
			}
		}
	}
	return out
}
