package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a wall-clock time of day stored as minutes since midnight.
type ClockTime int

// ParseClockTime accepts "HH:MM" or "HH:MM:SS" (seconds are ignored).
func ParseClockTime(value string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 || hours > 24 {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	if hours == 24 && minutes != 0 {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	return ClockTime(hours*60 + minutes), nil
}

// String renders the time as HH:MM.
func (t ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// MarshalText implements encoding.TextMarshaler, used by JSON and YAML.
func (t ClockTime) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ClockTime) UnmarshalText(text []byte) error {
	parsed, err := ParseClockTime(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value stores the clock time into a TIME column.
func (t ClockTime) Value() (driver.Value, error) {
	return t.String() + ":00", nil
}

// Scan reads TIME columns returned as text, or integer minutes.
func (t *ClockTime) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*t = 0
		return nil
	case int64:
		*t = ClockTime(v)
		return nil
	case []byte:
		return t.UnmarshalText(v)
	case string:
		return t.UnmarshalText([]byte(v))
	case time.Time:
		*t = ClockTime(v.Hour()*60 + v.Minute())
		return nil
	default:
		return fmt.Errorf("unsupported type %T for ClockTime", value)
	}
}

// MeetingSlot is one weekly meeting of a course. DayOfWeek follows time.Weekday (0 = Sunday).
type MeetingSlot struct {
	CourseID  string    `db:"course_id" json:"course_id,omitempty" yaml:"-"`
	DayOfWeek int       `db:"day_of_week" json:"day_of_week" yaml:"day_of_week" validate:"min=0,max=6"`
	Start     ClockTime `db:"start_time" json:"start" yaml:"start"`
	End       ClockTime `db:"end_time" json:"end" yaml:"end"`
	Location  string    `db:"location" json:"location,omitempty" yaml:"location"`
}

// Valid reports whether the slot describes a non-empty interval on a real weekday.
func (s MeetingSlot) Valid() bool {
	return s.DayOfWeek >= 0 && s.DayOfWeek <= 6 && s.Start < s.End
}

func (s MeetingSlot) String() string {
	return fmt.Sprintf("%s %s-%s", time.Weekday(s.DayOfWeek), s.Start, s.End)
}

// SlotConflict pairs a slot of the requested course with an overlapping slot the requester already holds.
type SlotConflict struct {
	Candidate MeetingSlot `json:"candidate"`
	Existing  MeetingSlot `json:"existing"`
}

// Course is a capacity limited offering within a term.
type Course struct {
	ID             string        `db:"id" json:"id" yaml:"id"`
	Code           string        `db:"code" json:"code" yaml:"code"`
	Name           string        `db:"name" json:"name" yaml:"name"`
	TermID         string        `db:"term_id" json:"term_id" yaml:"term_id"`
	Capacity       int           `db:"capacity" json:"capacity" yaml:"capacity"`
	ConfirmedCount int           `db:"confirmed_count" json:"confirmed_count" yaml:"confirmed_count"`
	Slots          []MeetingSlot `db:"-" json:"slots" yaml:"slots"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at" yaml:"-"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at" yaml:"-"`
}

// HasFreeSeat reports whether another confirmed enrollment fits.
func (c *Course) HasFreeSeat() bool {
	return c.ConfirmedCount < c.Capacity
}

// CapacitySane reports whether the stored counters respect 0 <= confirmed <= capacity.
func (c *Course) CapacitySane() bool {
	return c.Capacity > 0 && c.ConfirmedCount >= 0 && c.ConfirmedCount <= c.Capacity
}
