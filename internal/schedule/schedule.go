// Package schedule computes trigger fire times. A Schedule is one tagged
// variant covering the supported kinds; Next dispatches on the tag so
// callers never branch on trigger type themselves.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind tags the schedule variant.
type Kind string

const (
	// KindSimple fires at StartAt and then every Interval, optionally at
	// most RepeatCount more times.
	KindSimple Kind = "simple"

	// KindCalendar fires every Every calendar units from StartAt, evaluated
	// in Timezone so daylight-saving transitions keep wall-clock alignment.
	KindCalendar Kind = "calendar"

	// KindCron fires per a cron expression evaluated in Timezone.
	KindCron Kind = "cron"
)

// Unit is the step unit for calendar-interval schedules.
type Unit string

const (
	UnitSecond Unit = "second"
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitWeek   Unit = "week"
	UnitMonth  Unit = "month"
	UnitYear   Unit = "year"
)

// RepeatForever disables the repeat limit on a simple schedule.
const RepeatForever = -1

var errUnknownKind = errors.New("schedule: unknown kind")

// cronParser accepts standard five-field expressions, the way crontab does.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule describes when a trigger fires. Exactly the fields for its Kind
// are meaningful; the rest stay zero.
type Schedule struct {
	Kind Kind

	// StartAt anchors simple and calendar schedules and bounds all kinds:
	// nothing fires before it.
	StartAt time.Time

	// EndAt, when set, bounds all kinds: nothing fires after it.
	EndAt *time.Time

	// Simple.
	Interval    time.Duration
	RepeatCount int

	// Calendar.
	Unit  Unit
	Every int

	// Cron.
	Expression string

	// Timezone is an IANA zone name for calendar and cron kinds.
	// Empty means UTC.
	Timezone string
}

// Validate checks the schedule eagerly so storeTrigger can reject a bad
// definition before it is persisted.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindSimple:
		if s.Interval <= 0 && s.RepeatCount != 0 {
			return errors.New("schedule: simple interval must be positive")
		}
		if s.RepeatCount < RepeatForever {
			return errors.New("schedule: invalid repeat count")
		}
	case KindCalendar:
		if s.Every <= 0 {
			return errors.New("schedule: calendar step must be positive")
		}
		if _, err := s.location(); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		switch s.Unit {
		case UnitSecond, UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear:
		default:
			return fmt.Errorf("schedule: unknown calendar unit %q", s.Unit)
		}
	case KindCron:
		if _, err := cronParser.Parse(s.Expression); err != nil {
			return fmt.Errorf("schedule: parse cron: %w", err)
		}
		if _, err := s.location(); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	default:
		return errUnknownKind
	}
	if s.StartAt.IsZero() {
		return errors.New("schedule: start time required")
	}
	if s.EndAt != nil && s.EndAt.Before(s.StartAt) {
		return errors.New("schedule: end time before start time")
	}
	return nil
}

// Next returns the first fire time strictly after the given time, or nil
// when the schedule has no further occurrence.
func (s Schedule) Next(after time.Time) (*time.Time, error) {
	var next *time.Time
	var err error

	switch s.Kind {
	case KindSimple:
		next = s.nextSimple(after)
	case KindCalendar:
		next, err = s.nextCalendar(after)
	case KindCron:
		next, err = s.nextCron(after)
	default:
		return nil, errUnknownKind
	}
	if err != nil || next == nil {
		return nil, err
	}
	if s.EndAt != nil && next.After(*s.EndAt) {
		return nil, nil
	}
	return next, nil
}

func (s Schedule) nextSimple(after time.Time) *time.Time {
	if after.Before(s.StartAt) {
		t := s.StartAt
		return &t
	}
	if s.Interval <= 0 {
		// One-shot: StartAt was the only occurrence.
		return nil
	}
	elapsed := after.Sub(s.StartAt)
	n := int64(elapsed/s.Interval) + 1
	if s.RepeatCount != RepeatForever && n > int64(s.RepeatCount) {
		return nil
	}
	t := s.StartAt.Add(time.Duration(n) * s.Interval)
	return &t
}

func (s Schedule) nextCalendar(after time.Time) (*time.Time, error) {
	loc, err := s.location()
	if err != nil {
		return nil, err
	}
	if after.Before(s.StartAt) {
		t := s.StartAt
		return &t, nil
	}

	// Step in the schedule's zone from the anchor. Month and year steps
	// cannot be computed arithmetically, so walk forward; the estimate
	// below skips most of the distance for fine-grained units.
	t := s.StartAt.In(loc)
	if step := s.fixedStep(); step > 0 {
		if n := int64(after.Sub(s.StartAt) / step); n > 0 {
			t = t.Add(time.Duration(n) * step)
		}
	}
	for !t.After(after) {
		switch s.Unit {
		case UnitSecond:
			t = t.Add(time.Duration(s.Every) * time.Second)
		case UnitMinute:
			t = t.Add(time.Duration(s.Every) * time.Minute)
		case UnitHour:
			t = t.Add(time.Duration(s.Every) * time.Hour)
		case UnitDay:
			t = t.AddDate(0, 0, s.Every)
		case UnitWeek:
			t = t.AddDate(0, 0, 7*s.Every)
		case UnitMonth:
			t = t.AddDate(0, s.Every, 0)
		case UnitYear:
			t = t.AddDate(s.Every, 0, 0)
		default:
			return nil, fmt.Errorf("schedule: unknown calendar unit %q", s.Unit)
		}
	}
	u := t.UTC()
	return &u, nil
}

// fixedStep returns the step as a fixed duration for sub-day units, where a
// jump estimate is safe, and 0 for units with variable length.
func (s Schedule) fixedStep() time.Duration {
	switch s.Unit {
	case UnitSecond:
		return time.Duration(s.Every) * time.Second
	case UnitMinute:
		return time.Duration(s.Every) * time.Minute
	case UnitHour:
		return time.Duration(s.Every) * time.Hour
	default:
		return 0
	}
}

func (s Schedule) nextCron(after time.Time) (*time.Time, error) {
	sched, err := cronParser.Parse(s.Expression)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse cron: %w", err)
	}
	loc, err := s.location()
	if err != nil {
		return nil, err
	}
	if after.Before(s.StartAt) {
		after = s.StartAt.Add(-time.Second)
	}
	t := sched.Next(after.In(loc))
	if t.IsZero() {
		return nil, nil
	}
	u := t.UTC()
	return &u, nil
}

func (s Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Simple builds a fixed-interval schedule starting at start.
func Simple(start time.Time, interval time.Duration, repeatCount int) Schedule {
	return Schedule{Kind: KindSimple, StartAt: start, Interval: interval, RepeatCount: repeatCount}
}

// Calendar builds a calendar-interval schedule starting at start.
func Calendar(start time.Time, every int, unit Unit, timezone string) Schedule {
	return Schedule{Kind: KindCalendar, StartAt: start, Every: every, Unit: unit, Timezone: timezone}
}

// Cron builds a cron schedule active from start.
func Cron(start time.Time, expression, timezone string) Schedule {
	return Schedule{Kind: KindCron, StartAt: start, Expression: expression, Timezone: timezone}
}
