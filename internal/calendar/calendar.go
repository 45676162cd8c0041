// Package calendar answers "is the Fed settling today" questions. All dates
// are calendar dates normalised to midnight UTC.
package calendar

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Calendar struct {
	extra map[string]string
}

// New returns a calendar of weekends plus Federal Reserve holidays.
func New() *Calendar { return &Calendar{extra: map[string]string{}} }

type holidayFile struct {
	Holidays []struct {
		Date string `yaml:"date"`
		Name string `yaml:"name"`
	} `yaml:"holidays"`
}

// LoadFile adds extra closures from a YAML file:
//
//	holidays:
//	  - date: 2026-12-24
//	    name: Bank closure
func (c *Calendar) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read holidays: %w", err)
	}
	var f holidayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse holidays: %w", err)
	}
	for _, h := range f.Holidays {
		d, err := time.Parse("2006-01-02", h.Date)
		if err != nil {
			return fmt.Errorf("holiday %q: %w", h.Date, err)
		}
		c.extra[d.Format("2006-01-02")] = h.Name
	}
	return nil
}

// Date truncates t to its calendar date in UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (c *Calendar) IsBusinessDay(t time.Time) bool {
	d := Date(t)
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if _, ok := c.extra[d.Format("2006-01-02")]; ok {
		return false
	}
	return !isFedHoliday(d)
}

// NextBusinessDay returns the first business day strictly after t.
func (c *Calendar) NextBusinessDay(t time.Time) time.Time {
	d := Date(t).AddDate(0, 0, 1)
	for !c.IsBusinessDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// OnOrAfter returns t if it is a business day, else the next one.
func (c *Calendar) OnOrAfter(t time.Time) time.Time {
	d := Date(t)
	if c.IsBusinessDay(d) {
		return d
	}
	return c.NextBusinessDay(d)
}

func (c *Calendar) AddBusinessDays(t time.Time, n int) time.Time {
	d := Date(t)
	for i := 0; i < n; i++ {
		d = c.NextBusinessDay(d)
	}
	return d
}

func isFedHoliday(d time.Time) bool {
	for _, h := range fedHolidays(d.Year()) {
		if h.Equal(d) {
			return true
		}
	}
	return false
}

// fedHolidays lists the observed Federal Reserve holidays for a year. A
// holiday on Sunday is observed Monday; one on Saturday is not observed.
func fedHolidays(year int) []time.Time {
	fixed := func(m time.Month, day int) time.Time {
		d := time.Date(year, m, day, 0, 0, 0, 0, time.UTC)
		if d.Weekday() == time.Sunday {
			d = d.AddDate(0, 0, 1)
		}
		return d
	}
	return []time.Time{
		fixed(time.January, 1),
		nthWeekday(year, time.January, time.Monday, 3),
		nthWeekday(year, time.February, time.Monday, 3),
		lastWeekday(year, time.May, time.Monday),
		fixed(time.June, 19),
		fixed(time.July, 4),
		nthWeekday(year, time.September, time.Monday, 1),
		nthWeekday(year, time.October, time.Monday, 2),
		fixed(time.November, 11),
		nthWeekday(year, time.November, time.Thursday, 4),
		fixed(time.December, 25),
	}
}

func nthWeekday(year int, m time.Month, wd time.Weekday, n int) time.Time {
	d := time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 7*(n-1))
}

func lastWeekday(year int, m time.Month, wd time.Weekday) time.Time {
	d := time.Date(year, m+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
