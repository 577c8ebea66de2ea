package ordering

import (
	"fmt"
	"time"
)

// Window is one half-month ordering window. End is the last day, inclusive.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Name  string    `json:"name"`
}

// Clock splits the calendar into half-month windows in a fixed location.
type Clock struct {
	loc    *time.Location
	labels Labels
}

// NewClock builds a clock; a nil location means UTC.
func NewClock(loc *time.Location, labels Labels) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return Clock{loc: loc, labels: labels}
}

// Location returns the clock's time zone.
func (c Clock) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// CurrentWindow returns the window containing now: days 1-15 or 16 to month end.
func (c Clock) CurrentWindow(now time.Time) Window {
	t := now.In(c.Location())
	firstHalf := t.Day() <= 15
	return c.window(t.Year(), t.Month(), firstHalf)
}

// NextWindow returns the window immediately after the current one.
func (c Clock) NextWindow(now time.Time) Window {
	t := now.In(c.Location())
	if t.Day() <= 15 {
		return c.window(t.Year(), t.Month(), false)
	}
	next := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, c.Location())
	return c.window(next.Year(), next.Month(), true)
}

func (c Clock) window(year int, month time.Month, firstHalf bool) Window {
	loc := c.Location()
	var start, end time.Time
	if firstHalf {
		start = time.Date(year, month, 1, 0, 0, 0, 0, loc)
		end = time.Date(year, month, 15, 0, 0, 0, 0, loc)
	} else {
		start = time.Date(year, month, 16, 0, 0, 0, 0, loc)
		end = time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
	}
	return Window{Start: start, End: end, Name: c.name(start, end)}
}

// name renders "01 janv - 15 janv 2025" style labels.
func (c Clock) name(start, end time.Time) string {
	return fmt.Sprintf("%02d %s - %02d %s %d",
		start.Day(), c.labels.Month(start.Month()),
		end.Day(), c.labels.Month(end.Month()), end.Year())
}
