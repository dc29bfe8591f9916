// Package dates implements the civil-date arithmetic used by project and
// moratorium intervals. All intervals are closed: both endpoints count.
package dates

import (
	"database/sql/driver"
	"fmt"
	"regexp"
	"time"

	"github.com/digcoord/digcoord/internal/apperr"
)

// Layout is the wire format for dates.
const Layout = "2006-01-02"

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Date is a calendar date with no time-of-day component, stored at UTC
// midnight so comparisons are plain time comparisons.
type Date struct {
	t time.Time
}

// New builds a Date from year, month and day.
func New(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// Parse parses a YYYY-MM-DD string. Anything not matching the wire
// pattern is rejected before the calendar parse so that "2024-1-5" and
// timestamps fail with a field-level error.
func Parse(s string) (Date, error) {
	if !datePattern.MatchString(s) {
		return Date{}, apperr.InvalidInput("date", fmt.Sprintf("%q does not match YYYY-MM-DD", s))
	}
	t, err := time.Parse(Layout, s)
	if err != nil {
		return Date{}, apperr.InvalidInput("date", fmt.Sprintf("%q is not a valid calendar date", s))
	}
	return Date{t: t}, nil
}

// FromTime truncates a timestamp to its calendar date in the given location.
func FromTime(t time.Time, loc *time.Location) Date {
	if loc != nil {
		t = t.In(loc)
	}
	return New(t.Year(), t.Month(), t.Day())
}

// Today returns the current date in the given location.
func Today(loc *time.Location) Date {
	return FromTime(time.Now(), loc)
}

func (d Date) String() string     { return d.t.Format(Layout) }
func (d Date) IsZero() bool       { return d.t.IsZero() }
func (d Date) Time() time.Time    { return d.t }
func (d Date) Year() int          { return d.t.Year() }
func (d Date) Equal(o Date) bool  { return d.t.Equal(o.t) }
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }
func (d Date) After(o Date) bool  { return d.t.After(o.t) }

// AddDays returns the date n days later (or earlier for negative n).
func (d Date) AddDays(n int) Date {
	return Date{t: d.t.AddDate(0, 0, n)}
}

// AddYears adds n to the year field, preserving month and day.
// Feb 29 on a non-leap target year normalizes to Mar 1, which is the
// behavior the moratorium duration bound relies on.
func (d Date) AddYears(n int) Date {
	return Date{t: d.t.AddDate(n, 0, 0)}
}

// MarshalJSON emits the YYYY-MM-DD wire form.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON parses the YYYY-MM-DD wire form.
func (d *Date) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return apperr.InvalidInput("date", "expected a JSON string")
	}
	parsed, err := Parse(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value implements driver.Valuer so dates bind as DATE columns.
func (d Date) Value() (driver.Value, error) {
	return d.t, nil
}

// Scan implements sql.Scanner for DATE columns.
func (d *Date) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		*d = New(v.Year(), v.Month(), v.Day())
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case nil:
		*d = Date{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Date", src)
	}
}

// Interval is a closed date range [Start, End].
type Interval struct {
	Start Date
	End   Date
}

// NewInterval validates End >= Start.
func NewInterval(start, end Date) (Interval, error) {
	if end.Before(start) {
		return Interval{}, apperr.InvalidInput("endDate", "must not be before startDate")
	}
	return Interval{Start: start, End: end}, nil
}

// Overlaps reports whether two closed intervals share at least one day.
// Touching at a single boundary day counts as overlap.
func (i Interval) Overlaps(o Interval) bool {
	return !i.Start.After(o.End) && !o.Start.After(i.End)
}

// Contains reports whether the interval contains d (endpoints included).
func (i Interval) Contains(d Date) bool {
	return !d.Before(i.Start) && !d.After(i.End)
}
