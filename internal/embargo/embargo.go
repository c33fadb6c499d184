// Package embargo implements the Embargo Calendar component (spec §4.5):
// human-readable time windows during which the Project Worker must not
// finalise a merge. Intervals are given as "Weekday HH:MM - Weekday
// HH:MM" in a single named timezone shared by the whole calendar;
// overlapping intervals union, and the worker sleeps the full union
// (spec §4.5, §8 scenario 5).
package embargo

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const minutesPerWeek = 7 * 24 * 60

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// window is one parsed embargo interval expressed as weekly-minute
// offsets (0..minutesPerWeek), so "does now fall inside this window" is a
// single modular-arithmetic comparison regardless of calendar date.
type window struct {
	startWeekday time.Weekday
	startMinute  int // minute-of-day, 0..1439
	endWeekday   time.Weekday
	endMinute    int

	startOffset int // minutes since Sunday 00:00, 0..minutesPerWeek-1
	durationMin int // length of the window, 1..minutesPerWeek
}

// Calendar answers in_embargo(now) and wait_until_clear(now) for a set of
// weekly windows, all interpreted in one named timezone (spec §4.5).
type Calendar struct {
	tz      *time.Location
	windows []window
}

var windowPattern = regexp.MustCompile(
	`(?i)^\s*(\w+)\s+(\d{1,2}):(\d{2})\s*-\s*(\w+)\s+(\d{1,2}):(\d{2})(?:\s+([A-Za-z0-9_/+-]+))?\s*$`)

// Parse builds a Calendar from zero or more "Weekday HH:MM - Weekday
// HH:MM" specs, all interpreted in tz (an IANA zone name, e.g. "UTC" or
// "America/New_York"). A spec may carry a trailing zone name of its own;
// it must agree with tz or Parse returns an error — embargoes are not
// allowed to silently mix timezones.
func Parse(specs []string, tz string) (*Calendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	cal := &Calendar{tz: loc}
	for _, spec := range specs {
		w, err := parseWindow(spec, tz)
		if err != nil {
			return nil, fmt.Errorf("parse embargo %q: %w", spec, err)
		}
		cal.windows = append(cal.windows, w)
	}
	return cal, nil
}

func parseWindow(spec, tz string) (window, error) {
	m := windowPattern.FindStringSubmatch(spec)
	if m == nil {
		return window{}, fmt.Errorf("does not match \"Weekday HH:MM - Weekday HH:MM\"")
	}

	startDay, ok := lookupWeekday(m[1])
	if !ok {
		return window{}, fmt.Errorf("unknown weekday %q", m[1])
	}
	endDay, ok := lookupWeekday(m[4])
	if !ok {
		return window{}, fmt.Errorf("unknown weekday %q", m[4])
	}

	startMinute, err := clockMinutes(m[2], m[3])
	if err != nil {
		return window{}, err
	}
	endMinute, err := clockMinutes(m[5], m[6])
	if err != nil {
		return window{}, err
	}

	if zone := m[7]; zone != "" && !strings.EqualFold(zone, tz) {
		return window{}, fmt.Errorf("window timezone %q does not match calendar timezone %q", zone, tz)
	}

	startOffset := int(startDay)*24*60 + startMinute
	endOffset := int(endDay)*24*60 + endMinute
	duration := ((endOffset-startOffset)%minutesPerWeek + minutesPerWeek) % minutesPerWeek
	if duration == 0 {
		duration = minutesPerWeek
	}

	return window{
		startWeekday: startDay,
		startMinute:  startMinute,
		endWeekday:   endDay,
		endMinute:    endMinute,
		startOffset:  startOffset,
		durationMin:  duration,
	}, nil
}

func lookupWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdayNames[strings.ToLower(s)]
	return d, ok
}

func clockMinutes(hh, mm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(hh, "%d", &h); err != nil {
		return 0, fmt.Errorf("invalid hour %q", hh)
	}
	if _, err := fmt.Sscanf(mm, "%d", &m); err != nil {
		return 0, fmt.Errorf("invalid minute %q", mm)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %s:%s", hh, mm)
	}
	return h*60 + m, nil
}

// weeklyOffset returns t's minutes since the most recent Sunday 00:00 in
// the calendar's timezone.
func weeklyOffset(t time.Time, loc *time.Location) int {
	t = t.In(loc)
	return int(t.Weekday())*24*60 + t.Hour()*60 + t.Minute()
}

// InEmbargo reports whether now falls inside any configured window.
func (c *Calendar) InEmbargo(now time.Time) bool {
	return len(c.activeEnds(now)) > 0
}

// activeEnds returns, for each window currently covering now, the
// absolute instant that window's current occurrence ends.
func (c *Calendar) activeEnds(now time.Time) []time.Time {
	if c == nil {
		return nil
	}
	offset := weeklyOffset(now, c.tz)

	var ends []time.Time
	for _, w := range c.windows {
		diff := ((offset-w.startOffset)%minutesPerWeek + minutesPerWeek) % minutesPerWeek
		if diff < w.durationMin {
			remaining := w.durationMin - diff
			ends = append(ends, now.Add(time.Duration(remaining)*time.Minute))
		}
	}
	return ends
}

// WaitUntilClear returns how long the caller must sleep, starting from
// now, for no window to be active — the union of every overlapping
// window, not just the first one to close (spec §4.5: "the worker sleeps
// the full union").
func (c *Calendar) WaitUntilClear(now time.Time) time.Duration {
	cur := now
	for {
		ends := c.activeEnds(cur)
		if len(ends) == 0 {
			return cur.Sub(now)
		}
		next := ends[0]
		for _, e := range ends[1:] {
			if e.After(next) {
				next = e
			}
		}
		if !next.After(cur) {
			return cur.Sub(now)
		}
		cur = next
	}
}

// Strings renders the calendar's windows back as "Weekday HH:MM -
// Weekday HH:MM" specs. Re-parsing the result with the same timezone
// denotes the identical set of windows (spec §8 round-trip), though not
// necessarily the identical input strings (e.g. weekday abbreviations and
// a trailing per-window zone name are normalised away).
func (c *Calendar) Strings() []string {
	out := make([]string, 0, len(c.windows))
	for _, w := range c.windows {
		out = append(out, fmt.Sprintf("%s %02d:%02d - %s %02d:%02d",
			w.startWeekday, w.startMinute/60, w.startMinute%60,
			w.endWeekday, w.endMinute/60, w.endMinute%60))
	}
	return out
}
