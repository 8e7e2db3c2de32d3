package conflict

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"remindcal/internal/model"
)

// Conflict is an undecided invite that overlaps one or more accepted events.
type Conflict struct {
	UserID model.UserID
	Invite model.Event
	With   []model.Event
}

// Text renders the notification in the display location.
func (c Conflict) Text(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	b.WriteString("Ny aktivitet i din kalender:\n")
	for _, a := range c.With {
		start := a.Start.In(loc)
		fmt.Fprintf(&b, "Du har möte med %s kl %s den %s.\n",
			a.Summary, start.Format("15:04"), start.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "Krockar med mötesförfrågan från %s", c.Invite.Summary)
	return b.String()
}

// Tracker is the set of event ids already reported as conflicting for one
// user. The owner serializes access.
type Tracker struct {
	reported map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{reported: make(map[string]struct{})}
}

func (t *Tracker) Has(id string) bool {
	_, ok := t.reported[id]
	return ok
}

func (t *Tracker) Len() int { return len(t.reported) }

// IDs returns the reported ids sorted.
func (t *Tracker) IDs() []string {
	out := make([]string, 0, len(t.reported))
	for id := range t.reported {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Detector compares successive snapshots of one user.
type Detector struct {
	loc *time.Location
	// reportInitial controls whether conflicts already present in the very
	// first snapshot are announced or only recorded as a baseline.
	reportInitial bool
}

// NewDetector returns a detector that anchors all-day events in loc.
func NewDetector(loc *time.Location, reportInitial bool) *Detector {
	if loc == nil {
		loc = time.Local
	}
	return &Detector{loc: loc, reportInitial: reportInitial}
}

// Diff returns the conflicts in next that have not been reported yet and
// records them in tr. Ids missing from next are forgotten so that a later
// re-invite can trigger again. previous is nil when next is the first
// snapshot ever observed for the user.
func (d *Detector) Diff(userID model.UserID, tr *Tracker, previous, next *model.Snapshot) []Conflict {
	if next == nil || tr == nil {
		return nil
	}

	present := next.IDs()
	for id := range tr.reported {
		if _, ok := present[id]; !ok {
			delete(tr.reported, id)
		}
	}

	var accepted, pending []model.Event
	for _, ev := range next.Events {
		ev = d.normalize(ev)
		switch {
		case ev.Response == model.ResponseAccepted:
			accepted = append(accepted, ev)
		case ev.Response.Undecided():
			pending = append(pending, ev)
		}
	}

	announce := previous != nil || d.reportInitial

	var out []Conflict
	for _, p := range pending {
		if tr.Has(p.ID) {
			continue
		}
		var with []model.Event
		for _, a := range accepted {
			if a.ID != p.ID && Overlaps(p.Start, p.End, a.Start, a.End) {
				with = append(with, a)
			}
		}
		if len(with) == 0 {
			continue
		}
		tr.reported[p.ID] = struct{}{}
		if announce {
			out = append(out, Conflict{UserID: userID, Invite: p, With: with})
		}
	}
	return out
}

// normalize turns all-day events into [date 00:00, end date 00:00) in the
// detector's location.
func (d *Detector) normalize(ev model.Event) model.Event {
	if !ev.AllDay {
		return ev
	}
	s, e := ev.Start, ev.End
	start := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, d.loc)
	end := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, d.loc)
	if !end.After(start) {
		end = start.AddDate(0, 0, 1)
	}
	ev.Start, ev.End = start, end
	return ev
}

// Overlaps is the half-open interval test.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
