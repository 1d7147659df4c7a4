package sendwindow

import "time"

// Nationwide German public holidays. Campaigns use the "hol" window key on
// these days regardless of weekday.

// easterSunday computes the Gregorian Easter date for a year
// (Gauss/Anonymous computus).
func easterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// IsGermanHoliday reports whether the given date is a nationwide German
// public holiday. State-only holidays are deliberately not included.
func IsGermanHoliday(t time.Time) bool {
	y, m, d := t.Date()

	switch {
	case m == time.January && d == 1: // Neujahr
		return true
	case m == time.May && d == 1: // Tag der Arbeit
		return true
	case m == time.October && d == 3: // Tag der Deutschen Einheit
		return true
	case m == time.December && (d == 25 || d == 26): // Weihnachten
		return true
	}

	easter := easterSunday(y)
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for _, offset := range []int{-2, 1, 39, 50} { // Karfreitag, Ostermontag, Himmelfahrt, Pfingstmontag
		if date.Equal(easter.AddDate(0, 0, offset)) {
			return true
		}
	}
	return false
}
