package core

import (
	"errors"
	"time"
)

// Date is a calendar day, always stored at midnight UTC.
type Date struct {
	time.Time
}

// DateRange is inclusive on both ends.
type DateRange struct {
	From Date
	To   Date
}

// NewDate creates a new Date from year, month, day. Out-of-range days
// normalize the way time.Date does; use ClampedDate to avoid overflow.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t as seen in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return NewDate(y, int(m), d)
}

// DaysIn returns the number of days of the given month.
func DaysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ClampedDate builds year-month-day, clamping day to the last day of the
// month instead of rolling into the next one. month may be outside 1..12.
func ClampedDate(year, month, day int) Date {
	first := NewDate(year, month, 1)
	y, m := first.Year(), first.Month()
	if last := DaysIn(y, m); day > last {
		day = last
	}
	return NewDate(y, m, day)
}

func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	return nil
}

func (d Date) Day() int {
	return d.Time.Day()
}

func (d Date) Month() int {
	return int(d.Time.Month())
}

func (d Date) Year() int {
	return d.Time.Year()
}

func (d Date) AddDays(n int) Date {
	return Date{Time: d.Time.AddDate(0, 0, n)}
}

// FirstOfMonth returns the first day of d's month.
func (d Date) FirstOfMonth() Date {
	return NewDate(d.Year(), d.Month(), 1)
}

func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool  { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool  { return d.Time.Equal(o.Time) }

func (d Date) String() string {
	return d.Format("2006-01-02")
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}
	return Date{Time: t}, nil
}

// MonthRange returns the calendar range of year-month.
func MonthRange(year, month int) DateRange {
	return DateRange{
		From: NewDate(year, month, 1),
		To:   NewDate(year, month, DaysIn(year, month)),
	}
}

func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.From) && !d.After(r.To)
}
