package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
)

const defaultMaxOccurrencesPerEvent = 500

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd bound the returned occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps expansion of a single series. Zero selects
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// Expand turns parsed VEVENTs into concrete normalized events inside the
// configured window. It handles single events, RRULE series, EXDATE and
// RECURRENCE-ID overrides. Each occurrence of a series gets its own id
// (UID plus the UTC start of the instance) so that occurrences are tracked
// independently downstream.
func Expand(events []ParsedEvent, cfg ExpandConfig) ([]model.Event, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group by UID. Only the highest SEQUENCE of a base event is current;
	// on a tie the later component wins.
	baseByUID := make(map[string]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if prev, ok := baseByUID[ev.UID]; ok && prev.Seq > ev.Seq {
			continue
		}
		baseByUID[ev.UID] = ev
	}

	out := make([]model.Event, 0)
	for uid, ev := range baseByUID {
		if ev.RawRRule == "" {
			if ev.Cancelled || !overlapsRange(ev.Start, ev.End, cfg) {
				continue
			}
			out = append(out, toEvent(ev, ev.UID, ev.Start, ev.End))
			continue
		}
		occ, hitCap := expandSeries(ev, overridesByUID[uid], cfg)
		if hitCap {
			appLog.Warn("ics expand truncated", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
		}
		out = append(out, occ...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func expandSeries(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Event, bool) {
	out := make([]model.Event, 0)
	if ev.Cancelled {
		return out, false
	}

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("ics expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	duration := ev.End.Sub(ev.Start)
	// Widen the lower bound so instances already in progress are included.
	rangeStart := cfg.RangeStart.Add(-duration).In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())

	starts := set.Between(rangeStart, rangeEnd, true)
	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occStart := range starts {
		occEnd := occStart.Add(duration)
		id := ev.UID + "_" + occStart.UTC().Format("20060102T150405Z")
		base := ev

		if o, ok := findOverride(overrides, occStart); ok {
			if o.Cancelled {
				continue
			}
			base, occStart, occEnd = o, o.Start, o.End
		}
		if !overlapsRange(occStart, occEnd, cfg) {
			continue
		}
		out = append(out, toEvent(base, id, occStart, occEnd))
	}
	return out, hitCap
}

// findOverride finds the override with the highest SEQUENCE whose
// RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	var (
		best  ParsedEvent
		found bool
	)
	for _, ov := range overrides {
		if ov.Recurrence == nil || !ov.Recurrence.Equal(start) {
			continue
		}
		if !found || ov.Seq >= best.Seq {
			best, found = ov, true
		}
	}
	return best, found
}

func toEvent(ev ParsedEvent, id string, start, end time.Time) model.Event {
	out := model.Event{
		ID:             id,
		Summary:        ev.Summary,
		AllDay:         ev.AllDay,
		Response:       ev.Response,
		OrganizerEmail: ev.OrganizerEmail,
		Start:          start.UTC(),
		End:            end.UTC(),
	}
	if ev.AllDay {
		// Keep the calendar date; zone anchoring happens in the watcher.
		out.Start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
		out.End = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	}
	return out
}

func overlapsRange(start, end time.Time, cfg ExpandConfig) bool {
	if !end.After(start) {
		// Zero-length events count when their instant is inside the window.
		return !start.Before(cfg.RangeStart) && start.Before(cfg.RangeEnd)
	}
	return start.Before(cfg.RangeEnd) && end.After(cfg.RangeStart)
}
