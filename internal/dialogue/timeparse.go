package dialogue

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	relativeRe = regexp.MustCompile(`om (\d+)\s*min`)
	clockRe    = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	hourRe     = regexp.MustCompile(`\b(\d{1,2})\b`)
)

// weekdays in the order they are matched.
var weekdays = []struct {
	name string
	day  time.Weekday
}{
	{"måndag", time.Monday},
	{"tisdag", time.Tuesday},
	{"onsdag", time.Wednesday},
	{"torsdag", time.Thursday},
	{"fredag", time.Friday},
	{"lördag", time.Saturday},
	{"söndag", time.Sunday},
}

var weekdayNames = map[time.Weekday]string{
	time.Monday:    "måndag",
	time.Tuesday:   "tisdag",
	time.Wednesday: "onsdag",
	time.Thursday:  "torsdag",
	time.Friday:    "fredag",
	time.Saturday:  "lördag",
	time.Sunday:    "söndag",
}

// WeekdayName returns the lowercase Swedish name of d.
func WeekdayName(d time.Weekday) string { return weekdayNames[d] }

// mondayIndex numbers the week from Monday=0 so that "nästa" always means
// the following Monday-based week.
func mondayIndex(d time.Weekday) int { return (int(d) + 6) % 7 }

// ParseTime interprets a Swedish time expression relative to now, in now's
// location. Supported forms:
//
//	om 20 min           relative minutes
//	14:30, 14           clock time (bare hour means :00)
//	idag 14             today; a time already passed is rejected
//	imorgon 9, i morgon tomorrow
//	fredag 10           next occurrence of the weekday, today included
//	nästa fredag 10     one week later
//
// Without a day word the time is today and must not have passed.
func ParseTime(text string, now time.Time) (time.Time, bool) {
	text = strings.ToLower(text)

	if m := relativeRe.FindStringSubmatch(text); m != nil {
		minutes, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false
		}
		return now.Add(time.Duration(minutes) * time.Minute), true
	}

	hour, minute := -1, 0
	if m := clockRe.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
	} else if m := hourRe.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
	}
	if hour < 0 || hour > 23 || minute > 59 {
		return time.Time{}, false
	}

	at := func(day time.Time) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	}

	if strings.Contains(text, "idag") {
		due := at(now)
		if due.Before(now) {
			return time.Time{}, false
		}
		return due, true
	}

	if strings.Contains(text, "imorgon") || strings.Contains(text, "i morgon") {
		return at(now.AddDate(0, 0, 1)), true
	}

	for _, wd := range weekdays {
		if !strings.Contains(text, wd.name) {
			continue
		}
		ahead := mondayIndex(wd.day) - mondayIndex(now.Weekday())
		if strings.Contains(text, "nästa") {
			ahead += 7
		}
		if ahead < 0 {
			ahead += 7
		}
		return at(now.AddDate(0, 0, ahead)), true
	}

	due := at(now)
	if due.Before(now) {
		return time.Time{}, false
	}
	return due, true
}
