package sendwindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// A send window is a per-weekday (plus holiday) list of half-open [from, to)
// time intervals during which mail may go out. Times are wall-clock
// Europe/Berlin; on German public holidays the "hol" key replaces the
// weekday key. An empty campaign window falls back to the workspace window.

// Slot is one half-open interval, "HH:MM" to "HH:MM".
type Slot struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Window maps day keys (mon..sun, hol) to slots.
type Window map[string][]Slot

var dayKeys = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

var berlin = mustLoadBerlin()

func mustLoadBerlin() *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		panic(fmt.Sprintf("sendwindow: Europe/Berlin tz data missing: %v", err))
	}
	return loc
}

// parseMinutes converts "HH:MM" to minutes since midnight.
func parseMinutes(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("sendwindow: bad time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("sendwindow: bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("sendwindow: bad minute in %q", s)
	}
	return h*60 + m, nil
}

// dayKey returns the window key for a date: "hol" on German public
// holidays, the weekday abbreviation otherwise.
func dayKey(t time.Time) string {
	if IsGermanHoliday(t) {
		return "hol"
	}
	return dayKeys[t.Weekday()]
}

// contains reports whether now (Berlin wall clock) falls in any slot of the
// window's applicable day key. Unparseable slots are skipped.
func (w Window) contains(now time.Time) bool {
	slots, ok := w[dayKey(now)]
	if !ok {
		return false
	}
	nowMin := now.Hour()*60 + now.Minute()
	for _, slot := range slots {
		from, err := parseMinutes(slot.From)
		if err != nil {
			continue
		}
		to, err := parseMinutes(slot.To)
		if err != nil {
			continue
		}
		if from <= nowMin && nowMin < to {
			return true
		}
	}
	return false
}

// InWindow decides whether now is inside the campaign's send window. An
// empty campaign window falls back to the workspace's global window; both
// empty means never.
func InWindow(now time.Time, campaign, global Window) bool {
	now = now.In(berlin)
	w := campaign
	if len(w) == 0 {
		w = global
	}
	if len(w) == 0 {
		return false
	}
	return w.contains(now)
}
